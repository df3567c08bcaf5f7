package routes

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
)

func setup(t *testing.T, rs []Route) (*dispatch.Dispatcher, *endpoint.Set) {
	t.Helper()
	seq, err := Declarations(rs)
	require.NoError(t, err)

	d := dispatch.New()
	set := endpoint.NewSet("http")
	d.AddFilter(dispatch.NewSetFilter("http", 100, set))
	_, err = set.Register(endpoint.Filter(seq, "http", "http"))
	require.NoError(t, err)
	return d, set
}

func dispatchTo(t *testing.T, d *dispatch.Dispatcher, group, target string, body string) *exchange.Response {
	t.Helper()
	req := exchange.NewRequest("http", group, target)
	req.Body = []byte(body)
	c := conn.New(nil)
	t.Cleanup(func() { _ = c.Close() })
	resp := d.Dispatch(context.Background(), c, req)
	require.NoError(t, dispatch.Materialize(resp))
	return resp
}

func TestDeclarations_Static(t *testing.T) {
	d, set := setup(t, []Route{
		{Name: "health", Group: "GET", Pattern: "/health", Response: Response{Body: "ok"}},
		{Group: "POST", Pattern: "/health", Response: Response{Status: 201, JSON: map[string]any{"created": true}}},
		{Pattern: "/xml", Response: Response{Body: "<a/>", ContentType: "application/xml", Headers: map[string]string{"X-Route": "xml"}}},
	})
	assert.Equal(t, 2, set.Len(), "routes sharing a pattern share an endpoint")

	resp := dispatchTo(t, d, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "ok", string(resp.Bytes()))

	resp = dispatchTo(t, d, "POST", "/health", "")
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"created":true}`, string(resp.Bytes()))

	resp = dispatchTo(t, d, "DELETE", "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "GET, POST", resp.Header.Get("Allow"))

	resp = dispatchTo(t, d, "PUT", "/xml", "")
	assert.Equal(t, "application/xml", resp.ContentType())
	assert.Equal(t, "xml", resp.Header.Get("X-Route"))
	assert.Equal(t, "<a/>", string(resp.Bytes()))
}

func TestDeclarations_Echo(t *testing.T) {
	d, _ := setup(t, []Route{
		{Pattern: "/echo/{id}", Response: Response{Echo: true}},
	})
	resp := dispatchTo(t, d, "POST", "/echo/7", `{"a":1}`)
	assert.JSONEq(t, `{
		"protocol": "http",
		"group": "POST",
		"target": "/echo/7",
		"bindings": {"id": "7"},
		"body": {"a": 1}
	}`, string(resp.Bytes()))
}

func TestDeclarations_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("from disk"), 0o600))

	d, _ := setup(t, []Route{{Pattern: "/data", Response: Response{File: path}}})
	resp := dispatchTo(t, d, "GET", "/data", "")
	assert.Equal(t, "from disk", string(resp.Bytes()))
	assert.Equal(t, "text/plain; charset=utf-8", resp.ContentType())
}

func TestDeclarations_ProtocolFacet(t *testing.T) {
	seq, err := Declarations([]Route{
		{Pattern: "/a", Response: Response{Body: "a"}},
		{Protocol: "MQTT", Pattern: "devices/+/state", Response: Response{Echo: true}},
		{Protocol: "mqtt", Group: "PUBLISH", Pattern: "devices/+/state", Priority: 5, Response: Response{Body: "x"}},
	})
	require.NoError(t, err)

	var protocols []string
	for decl := range seq {
		protocols = append(protocols, decl.Protocol())
		if decl.Protocol() == "mqtt" {
			assert.Equal(t, 5, decl.Priority)
			assert.Equal(t, "* echo, PUBLISH static", decl.Facets[endpoint.FacetSummary])
		}
	}
	assert.Equal(t, []string{"http", "mqtt"}, protocols)
}

func TestDeclarations_Duplicate(t *testing.T) {
	_, err := Declarations([]Route{
		{Group: "get", Pattern: "/a"},
		{Group: "GET", Pattern: "/a"},
	})
	assert.ErrorContains(t, err, "declared twice")
}

func TestValidate(t *testing.T) {
	err := Validate([]Route{
		{Pattern: ""},
		{Pattern: "/ok", Response: Response{Status: 42}},
		{Pattern: "/slow", Response: Response{Delay: "soon"}},
		{Pattern: "/fine", Response: Response{Delay: "10ms"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routes[0].pattern")
	assert.Contains(t, err.Error(), "routes[1].response.status")
	assert.Contains(t, err.Error(), "routes[2].response.delay")
	assert.NotContains(t, err.Error(), "routes[3]")
}
