package server

import (
	"context"
	cryptotls "crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getmockd/portmux/pkg/binary"
	"github.com/getmockd/portmux/pkg/config"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/grpc"
	"github.com/getmockd/portmux/pkg/mqtt"
	"github.com/getmockd/portmux/pkg/routes"
)

// hub answers on every façade.
type hub struct{}

func (hub) Hello(name string) string { return "hello " + name }

func (hub) Greet(body map[string]any) map[string]any {
	return map[string]any{"message": "hello " + body["name"].(string)}
}

func (hub) Telemetry(device string, reading map[string]any) map[string]any {
	return map[string]any{"device": device, "accepted": reading["value"]}
}

func (hub) Sensor(id string) map[string]any { return map[string]any{"id": id} }

func (hub) Declarations() []endpoint.Declaration {
	on := func(p string) map[string]string { return map[string]string{endpoint.FacetProtocol: p} }
	return []endpoint.Declaration{
		{Method: "Hello", Pattern: "/hello/{name}", Group: http.MethodGet,
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourcePath, Name: "name"}}},
		{Method: "Greet", Pattern: "/portmux.Hub/Greet", Group: grpc.GroupUnary, Facets: on(grpc.Name),
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourceBody}}},
		{Method: "Telemetry", Pattern: "devices/{device}/telemetry", Group: mqtt.GroupPublish, Facets: on(mqtt.Name),
			Params: []endpoint.ParamHint{
				{Index: 0, Source: endpoint.SourcePath, Name: "device"},
				{Index: 1, Source: endpoint.SourceBody},
			}},
		{Method: "Sensor", Pattern: "sensors/{id}", Group: binary.GroupRequest, Facets: on(binary.Name),
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourcePath, Name: "id"}}},
	}
}

func testConfig() *config.ServerConfiguration {
	cfg := config.DefaultServerConfiguration()
	cfg.Listen = "127.0.0.1:0"
	cfg.ShutdownTimeout = config.Duration(time.Second)
	return cfg
}

func start(t *testing.T, cfg *config.ServerConfiguration) (*Server, string) {
	t.Helper()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	_, err = s.Register(endpoint.Routes(hub{}))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, s.Addr().String()
}

func get(t *testing.T, client *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_HTTP(t *testing.T) {
	_, addr := start(t, testConfig())

	status, body := get(t, http.DefaultClient, "http://"+addr+"/hello/ada")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello ada", body)

	status, _ = get(t, http.DefaultClient, "http://"+addr+"/missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_Builtins(t *testing.T) {
	_, addr := start(t, testConfig())
	base := "http://" + addr + BuiltinPrefix

	status, body := get(t, http.DefaultClient, base+"/health")
	require.Equal(t, http.StatusOK, status, body)
	var health HealthReport
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.EqualValues(t, "healthy", health.Status)
	assert.Contains(t, health.Protocols, "mqtt")
	assert.Contains(t, health.Protocols, "grpc")

	status, body = get(t, http.DefaultClient, base+"/routes")
	require.Equal(t, http.StatusOK, status)
	var listed []RouteInfo
	require.NoError(t, json.Unmarshal([]byte(body), &listed))
	var protocols []string
	for _, r := range listed {
		protocols = append(protocols, r.Protocol+" "+r.Pattern)
	}
	assert.Contains(t, protocols, "http /hello/{name}")
	assert.Contains(t, protocols, "mqtt devices/{device}/telemetry")
	assert.Contains(t, protocols, "grpc /portmux.Hub/Greet")
	assert.Contains(t, protocols, "http /_portmux/health")

	status, body = get(t, http.DefaultClient, base+"/openapi.json")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"/hello/{name}"`)

	status, body = get(t, http.DefaultClient, base+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "portmux_connections_accepted_total")
	assert.Contains(t, body, `portmux_endpoints{protocol="mqtt"} 1`)
}

func TestServer_GRPC(t *testing.T) {
	_, addr := start(t, testConfig())

	cc, err := grpclib.NewClient(addr, grpclib.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := structpb.NewStruct(map[string]any{"name": "grace"})
	require.NoError(t, err)
	out := &structpb.Struct{}
	require.NoError(t, cc.Invoke(ctx, "/portmux.Hub/Greet", in, out))
	assert.Equal(t, "hello grace", out.GetFields()["message"].GetStringValue())
}

func TestServer_MQTT(t *testing.T) {
	_, addr := start(t, testConfig())

	client := paho.NewClient(paho.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("device-1").
		SetProtocolVersion(4).
		SetAutoReconnect(false).
		SetConnectTimeout(3 * time.Second))
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })

	replies := make(chan []byte, 1)
	sub := client.Subscribe("devices/d1/telemetry"+mqtt.ReplySuffix, 1, func(_ paho.Client, m paho.Message) {
		replies <- m.Payload()
	})
	require.True(t, sub.WaitTimeout(5*time.Second))
	require.NoError(t, sub.Error())

	pub := client.Publish("devices/d1/telemetry", 1, false, `{"value":3}`)
	require.True(t, pub.WaitTimeout(5*time.Second))

	select {
	case body := <-replies:
		var got map[string]any
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "d1", got["device"])
		assert.Equal(t, 3.0, got["accepted"])
	case <-time.After(5 * time.Second):
		t.Fatal("no reply published")
	}
}

func TestServer_Binary(t *testing.T) {
	_, addr := start(t, testConfig())

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	cl := binary.NewClient(nc, "")
	t.Cleanup(func() { _ = cl.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := cl.Request(ctx, "sensors/7", nil)
	require.NoError(t, err)
	assert.False(t, reply.Error)
	assert.JSONEq(t, `{"id":"7"}`, string(reply.Body))
}

func TestServer_RejectsUnknownBytes(t *testing.T) {
	s, addr := start(t, testConfig())

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Write(make([]byte, 64))
	require.NoError(t, err)

	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = nc.Read(make([]byte, 1))
	assert.Error(t, err, "the server closes unclassified connections")

	assert.Contains(t, s.Metrics().Registry.Expose(),
		`portmux_detections_total{outcome="rejected",protocol="unknown"} 1`)
}

func TestServer_ConfiguredRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.Routes = []routes.Route{
		{Pattern: "/status", Group: http.MethodGet, Response: routes.Response{Body: "up", ContentType: "text/plain"}},
	}
	s, addr := start(t, cfg)

	status, body := get(t, http.DefaultClient, "http://"+addr+"/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "up", body)

	require.NoError(t, s.ReloadRoutes([]routes.Route{
		{Pattern: "/status", Group: http.MethodGet, Response: routes.Response{Status: http.StatusTeapot}},
	}))
	status, _ = get(t, http.DefaultClient, "http://"+addr+"/status")
	assert.Equal(t, http.StatusTeapot, status)

	// Built-ins survive a reload; handler endpoints do not.
	status, _ = get(t, http.DefaultClient, "http://"+addr+BuiltinPrefix+"/health")
	assert.Equal(t, http.StatusOK, status)
	status, _ = get(t, http.DefaultClient, "http://"+addr+"/hello/ada")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_RegisterUnknownProtocol(t *testing.T) {
	cfg := testConfig()
	cfg.Protocols.MQTT = false
	s, err := NewServer(cfg)
	require.NoError(t, err)

	n, err := s.Register(endpoint.Routes(hub{}))
	assert.ErrorIs(t, err, ErrNoFacade)
	assert.Zero(t, n)
	assert.Nil(t, s.MQTT())
}

func TestServer_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.AutoGenerateCert = true
	_, addr := start(t, cfg)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &cryptotls.Config{InsecureSkipVerify: true},
	}}
	status, body := get(t, client, "https://"+addr+"/hello/tls")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello tls", body)

	// Plaintext still works on the same port.
	status, _ = get(t, http.DefaultClient, "http://"+addr+"/hello/plain")
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_Lifecycle(t *testing.T) {
	s, err := NewServer(testConfig())
	require.NoError(t, err)
	assert.Nil(t, s.Addr())
	assert.False(t, s.Running())

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, s.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Nil(t, s.Addr())
}

func TestServer_DisabledProtocols(t *testing.T) {
	cfg := testConfig()
	cfg.Protocols = config.ProtocolsConfig{HTTP: true}
	s, err := NewServer(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"http"}, s.Detectors().Names())
	assert.Nil(t, s.GRPC())
	assert.Nil(t, s.WebSocket())
	assert.NotNil(t, s.Web())
	assert.True(t, strings.HasPrefix(s.Routes()[0].Pattern, BuiltinPrefix))
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits = config.LimitsConfig{ConnectionRate: 0.001, ConnectionBurst: 1}
	s, addr := start(t, cfg)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	status, _ := get(t, client, "http://"+addr+"/hello/ada")
	assert.Equal(t, http.StatusOK, status)

	_, err := client.Get("http://" + addr + "/hello/ada")
	require.Error(t, err, "the second connection from the same IP is refused")
	assert.Contains(t, s.Metrics().Registry.Expose(),
		`portmux_connections_refused_total{reason="rate_limited"} 1`)
}
