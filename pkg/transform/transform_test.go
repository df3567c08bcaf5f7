package transform

import (
	"errors"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/getmockd/portmux/pkg/exchange"
)

func newCtx(accept string) *Context {
	return &Context{
		Response: exchange.NewResponse(),
		Accept:   exchange.Negotiate(accept),
		Protocol: "http",
	}
}

type user struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestChain_Idempotent(t *testing.T) {
	c := NewChain(Defaults())
	v := map[string]any{"b": 2, "a": []any{1, "x"}, "c": map[string]any{"z": true, "y": nil}}

	for _, accept := range []string{"", "application/json", "application/xml", "*/*"} {
		first := newCtx(accept)
		require.NoError(t, c.Resolve(v, first))
		second := newCtx(accept)
		require.NoError(t, c.Resolve(v, second))

		assert.Equal(t, first.Response.Bytes(), second.Response.Bytes(), accept)
		assert.Equal(t, first.Response.ContentType(), second.Response.ContentType(), accept)
	}
}

type onlyXML struct{ XML }

// A chain with a category specific transformer and the wildcard must render
// a request that carried no negotiation data.
func TestChain_WildcardWithoutAccept(t *testing.T) {
	c := NewChain([]Transformer{onlyXML{}, Wildcard{}})
	ctx := newCtx("")

	require.NoError(t, c.Resolve(user{ID: 1, Name: "ann"}, ctx))
	assert.Equal(t, "Wildcard", ctx.Response.Renderer)
	assert.JSONEq(t, `{"id":1,"name":"ann"}`, string(ctx.Response.Bytes()))
}

func TestChain_ExhaustionIsNotAcceptable(t *testing.T) {
	c := NewChain([]Transformer{JSON{}, Wildcard{}})
	ctx := newCtx("text/html")
	err := c.Resolve(user{ID: 1}, ctx)
	assert.ErrorIs(t, err, ErrNotAcceptable)

	ctx = newCtx("image/png")
	assert.False(t, Wildcard{}.CanHandle(user{ID: 1}, ctx), "unknown types are not a wildcard")
	assert.ErrorIs(t, c.Resolve(user{ID: 1}, ctx), ErrNotAcceptable)
}

type recorder struct {
	name     string
	priority int
	handle   bool
	fail     bool
	calls    *[]string
	sawSelf  bool
}

func (r *recorder) Priority() int                 { return r.priority }
func (r *recorder) CanHandle(any, *Context) bool { *r.calls = append(*r.calls, "can:"+r.name); return r.handle }
func (r *recorder) Instance() Transformer         { return r }

func (r *recorder) Render(_ any, ctx *Context, next Remaining) error {
	*r.calls = append(*r.calls, "render:"+r.name)
	ctx.Response.Status = http.StatusTeapot
	_, _ = ctx.Response.Write([]byte(r.name))
	if r.fail {
		return errors.New("boom")
	}
	r.sawSelf = slices.Contains(next, Transformer(r))
	return nil
}

func TestChain_OrderAndFailover(t *testing.T) {
	var calls []string
	c := NewChain(nil)
	low := &recorder{name: "low", priority: 1, handle: true, calls: &calls}
	c.Add(low)
	c.Add(&recorder{name: "failing", priority: 5, handle: true, fail: true, calls: &calls})
	c.Add(&recorder{name: "skip", priority: 9, calls: &calls})
	c.Add(&recorder{name: "tie", priority: 1, handle: true, calls: &calls})

	ctx := newCtx("")
	require.NoError(t, c.Resolve("v", ctx))
	assert.Equal(t, []string{
		"can:skip",
		"can:failing", "render:failing",
		"can:low", "render:low",
	}, calls)
	assert.Equal(t, "low", string(ctx.Response.Bytes()), "failed render is rolled back")
	assert.Equal(t, 4, c.Len())
	assert.False(t, low.sawSelf, "remaining list must exclude the renderer")
}

type reentrant struct{ chain *Chain }

func (r *reentrant) Priority() int                 { return PriorityError }
func (r *reentrant) CanHandle(any, *Context) bool { return true }
func (r *reentrant) Instance() Transformer         { return r }

func (r *reentrant) Render(v any, ctx *Context, _ Remaining) error {
	return r.chain.Resolve("wrapped", ctx)
}

func TestChain_ReentrySkipsCaller(t *testing.T) {
	c := NewChain([]Transformer{Text{}})
	c.Add(&reentrant{chain: c})

	ctx := newCtx("")
	require.NoError(t, c.Resolve("x", ctx))
	assert.Equal(t, "wrapped", string(ctx.Response.Bytes()))
}

func TestErrorTransformer(t *testing.T) {
	c := NewChain(Defaults())

	t.Run("json problem", func(t *testing.T) {
		ctx := newCtx("application/json")
		require.NoError(t, c.Resolve(exchange.MethodNotSupported("POST", "/a", []string{"GET"}), ctx))
		assert.Equal(t, http.StatusMethodNotAllowed, ctx.Response.Status)
		assert.Equal(t, "GET", ctx.Response.Header.Get("Allow"))
		assert.JSONEq(t, `{"error":"method_not_supported","message":"POST not supported for /a","status":405,"allowed":["GET"]}`,
			string(ctx.Response.Bytes()))
	})

	t.Run("plain errors are wrapped", func(t *testing.T) {
		ctx := newCtx("")
		require.NoError(t, c.Resolve(errors.New("db down"), ctx))
		assert.Equal(t, http.StatusInternalServerError, ctx.Response.Status)
		assert.Contains(t, string(ctx.Response.Bytes()), `"handler_error"`)
	})

	t.Run("xml problem", func(t *testing.T) {
		ctx := newCtx("application/xml")
		require.NoError(t, c.Resolve(exchange.NoEndpoint("GET", "/x"), ctx))
		assert.Equal(t, http.StatusNotFound, ctx.Response.Status)
		assert.Contains(t, string(ctx.Response.Bytes()), "<error>no_endpoint</error>")
	})

	t.Run("html view", func(t *testing.T) {
		views := template.Must(template.New(ErrorView).Parse(`<h1>{{.status}} {{.message}}</h1>`))
		hc := NewChain(append(Defaults(), NewTemplate(views)))
		ctx := newCtx("text/html")
		require.NoError(t, hc.Resolve(exchange.NoEndpoint("GET", "/x"), ctx))
		assert.Equal(t, http.StatusNotFound, ctx.Response.Status)
		assert.Equal(t, "<h1>404 no endpoint for GET /x</h1>", string(ctx.Response.Bytes()))
	})

	t.Run("falls back to text when nothing else fits", func(t *testing.T) {
		ctx := newCtx("image/png, text/html")
		require.NoError(t, c.Resolve(exchange.NoEndpoint("GET", "/x"), ctx))
		assert.Equal(t, http.StatusNotFound, ctx.Response.Status)
		assert.Equal(t, "no_endpoint: no endpoint for GET /x\n", string(ctx.Response.Bytes()))
	})
}

func TestBuiltins(t *testing.T) {
	c := NewChain(Defaults())

	t.Run("nil is no content", func(t *testing.T) {
		ctx := newCtx("")
		require.NoError(t, c.Resolve(nil, ctx))
		assert.Equal(t, http.StatusNoContent, ctx.Response.Status)
		assert.Empty(t, ctx.Response.Bytes())
	})

	t.Run("string is text", func(t *testing.T) {
		ctx := newCtx("")
		require.NoError(t, c.Resolve("hello", ctx))
		assert.Equal(t, "text/plain; charset=utf-8", ctx.Response.ContentType())
		assert.Equal(t, "hello", string(ctx.Response.Bytes()))
	})

	t.Run("string with json accept", func(t *testing.T) {
		ctx := newCtx("application/json")
		require.NoError(t, c.Resolve("hello", ctx))
		assert.Equal(t, "\"hello\"\n", string(ctx.Response.Bytes()))
	})

	t.Run("bytes", func(t *testing.T) {
		ctx := newCtx("")
		require.NoError(t, c.Resolve([]byte{1, 2}, ctx))
		assert.Equal(t, exchange.CategoryBinary, ctx.Response.Category)
		assert.Equal(t, []byte{1, 2}, ctx.Response.Bytes())
	})

	t.Run("reader is streamed", func(t *testing.T) {
		ctx := newCtx("")
		require.NoError(t, c.Resolve(strings.NewReader("streamed"), ctx))
		require.True(t, ctx.Response.Streaming())
		assert.Equal(t, int64(8), ctx.Response.StreamSize)
		b, err := io.ReadAll(ctx.Response.Stream)
		require.NoError(t, err)
		assert.Equal(t, "streamed", string(b))
	})

	t.Run("file is streamed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "page.html")
		require.NoError(t, os.WriteFile(path, []byte("<p>hi</p>"), 0o600))

		ctx := newCtx("")
		require.NoError(t, c.Resolve(File{Path: path}, ctx))
		assert.Equal(t, exchange.CategoryHTML, ctx.Response.Category)
		assert.Equal(t, int64(9), ctx.Response.StreamSize)
		require.NoError(t, ctx.Response.Stream.Close())
	})

	t.Run("missing file falls through", func(t *testing.T) {
		ctx := newCtx("")
		err := c.Resolve(File{Path: filepath.Join(t.TempDir(), "missing")}, ctx)
		// Stream fails and is rolled back; the next candidate renders.
		require.NoError(t, err)
		assert.Equal(t, "JSON", ctx.Response.Renderer)
		assert.False(t, ctx.Response.Streaming())
	})

	t.Run("grpc protocol gets proto", func(t *testing.T) {
		ctx := newCtx("")
		ctx.Protocol = "grpc"
		require.NoError(t, c.Resolve(user{ID: 7, Name: "bo"}, ctx))

		var s structpb.Struct
		require.NoError(t, proto.Unmarshal(ctx.Response.Bytes(), &s))
		assert.Equal(t, float64(7), s.Fields["id"].GetNumberValue())
		assert.Equal(t, "bo", s.Fields["name"].GetStringValue())
	})

	t.Run("xml only when asked", func(t *testing.T) {
		ctx := newCtx("application/xml")
		require.NoError(t, c.Resolve(user{ID: 7, Name: "bo"}, ctx))
		assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><response><id>7</id><name>bo</name></response>`,
			string(ctx.Response.Bytes()))
	})
}

func TestToMessage(t *testing.T) {
	m, err := ToMessage([]int{1, 2})
	require.NoError(t, err)
	s, ok := m.(*structpb.Struct)
	require.True(t, ok)
	assert.Len(t, s.Fields["value"].GetListValue().GetValues(), 2)

	in := &structpb.Struct{}
	m, err = ToMessage(in)
	require.NoError(t, err)
	assert.Same(t, in, m)
}

func TestChain_ConcurrentResolve(t *testing.T) {
	c := NewChain(Defaults())
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				ctx := newCtx("application/json")
				assert.NoError(t, c.Resolve(user{ID: 1}, ctx))
			}
		}()
		c.Add(Text{})
	}
	wg.Wait()
}
