package grpc

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
)

type greeter struct{}

func (greeter) SayHello(body map[string]any) map[string]any {
	return map[string]any{"message": "hello " + body["name"].(string)}
}

func (greeter) Whoami(user string) map[string]any {
	return map[string]any{"user": user}
}

func (greeter) Register(body map[string]any) (map[string]any, error) {
	v := &endpoint.Validation{}
	if _, ok := body["email"]; !ok {
		v.Record("email", false, "required")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}
	return body, nil
}

func (greeter) Declarations() []endpoint.Declaration {
	facets := map[string]string{endpoint.FacetProtocol: Name}
	return []endpoint.Declaration{
		{Method: "SayHello", Pattern: "/greeter.Greeter/SayHello", Group: GroupUnary, Facets: facets,
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourceBody}}},
		{Method: "Whoami", Pattern: "/greeter.Greeter/Whoami", Group: GroupUnary, Facets: facets,
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourceHeader, Name: "X-User"}}},
		{Method: "Register", Pattern: "/greeter.Greeter/Register", Group: GroupUnary, Facets: facets,
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourceBody}}},
	}
}

func startServer(t *testing.T, opts ...Option) (*Facade, string) {
	t.Helper()
	f := New(dispatch.New(), opts...)
	_, err := f.Register(endpoint.Routes(greeter{}))
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))

	registry := detect.NewRegistry()
	for _, fac := range f.Detectors() {
		require.NoError(t, registry.Register(fac))
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				c := conn.New(nc)
				defer c.Close()
				if _, err := registry.Detect(context.Background(), c); err != nil {
					return
				}
				_ = c.Serve()
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		_ = f.Stop(context.Background(), time.Second)
	})
	return f, ln.Addr().String()
}

func dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func call(t *testing.T, cc *grpc.ClientConn, ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	msg, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := &structpb.Struct{}
	err = cc.Invoke(ctx, method, msg, out)
	return out, err
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFacade_Unary(t *testing.T) {
	f, addr := startServer(t)
	cc := dial(t, addr)
	ctx := testContext(t)

	out, err := call(t, cc, ctx, "/greeter.Greeter/SayHello", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out.GetFields()["message"].GetStringValue())

	md := metadata.AppendToOutgoingContext(ctx, "x-user", "grace")
	out, err = call(t, cc, md, "/greeter.Greeter/Whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "grace", out.GetFields()["user"].GetStringValue())

	details := f.Health(ctx).Details.(map[string]int64)
	assert.EqualValues(t, 2, details["calls"])
	assert.EqualValues(t, 1, details["connections"])
}

func TestFacade_Errors(t *testing.T) {
	_, addr := startServer(t)
	cc := dial(t, addr)
	ctx := testContext(t)

	_, err := call(t, cc, ctx, "/greeter.Greeter/Missing", nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = call(t, cc, ctx, "/greeter.Greeter/Register", map[string]any{"name": "x"})
	st := status.Convert(err)
	require.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "validation failed", st.Message())

	var br *errdetails.BadRequest
	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		switch x := d.(type) {
		case *errdetails.BadRequest:
			br = x
		case *errdetails.ErrorInfo:
			info = x
		}
	}
	require.NotNil(t, br)
	require.Len(t, br.GetFieldViolations(), 1)
	assert.Equal(t, "email", br.GetFieldViolations()[0].GetField())
	assert.Equal(t, "required", br.GetFieldViolations()[0].GetDescription())
	require.NotNil(t, info)
	assert.Equal(t, "bad_request", info.GetReason())
}

func TestFacade_HealthService(t *testing.T) {
	f, addr := startServer(t)
	cc := dial(t, addr)
	ctx := testContext(t)

	client := healthpb.NewHealthClient(cc)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	f.SetServingStatus("greeter.Greeter", false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "greeter.Greeter"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestFacade_Fallback(t *testing.T) {
	_, addr := startServer(t, WithFallback(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "plain "+r.URL.Path)
	})))

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
	resp, err := client.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "plain /status", string(body))
}

func TestFacade_NotRunning(t *testing.T) {
	f := New(dispatch.New())
	assert.ErrorIs(t, (&codec{f: f}).Serve(conn.New(nil)), ErrNotRunning)
}

func TestDetector(t *testing.T) {
	d := &detector{}
	assert.Equal(t, 24, d.MinimumBytes())
	assert.Equal(t, detect.Match, d.Match([]byte(http2.ClientPreface+"\x00\x00")))
	assert.Equal(t, detect.NeedMore, d.Match([]byte("PRI * HTTP/2")))
	assert.Equal(t, detect.Reject, d.Match([]byte("POST / HTTP/1.1\r\n")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, codes.Unimplemented, codeOf(404, "no_endpoint"))
	assert.Equal(t, codes.NotFound, codeOf(404, "handler_error"))
	assert.Equal(t, codes.InvalidArgument, codeOf(400, "bad_request"))
	assert.Equal(t, codes.Unauthenticated, codeOf(401, ""))
	assert.Equal(t, codes.Internal, codeOf(500, "handler_panic"))
	assert.Equal(t, codes.Unknown, codeOf(418, ""))
}
