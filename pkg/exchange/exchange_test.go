package exchange

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   []Category
	}{
		{name: "empty", accept: "", want: nil},
		{name: "json", accept: "application/json", want: []Category{CategoryJSON}},
		{name: "q ordering", accept: "text/html;q=0.5, application/xml", want: []Category{CategoryXML, CategoryHTML}},
		{name: "suffix types", accept: "application/problem+json", want: []Category{CategoryJSON}},
		{name: "any", accept: "*/*", want: []Category{CategoryAny}},
		{name: "q zero dropped", accept: "application/json;q=0, text/plain", want: []Category{CategoryText}},
		{name: "blank", accept: "  ", want: nil},
		{name: "unknown only is unsatisfiable", accept: "image/png", want: []Category{}},
		{name: "unknown dropped", accept: "image/png, text/plain", want: []Category{CategoryText}},
		{name: "grpc", accept: "application/grpc", want: []Category{CategoryProto}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Negotiate(tt.accept))
		})
	}
}

func TestCategoryOf(t *testing.T) {
	c, ok := CategoryOf("application/json; charset=utf-8")
	require.True(t, ok)
	assert.Equal(t, CategoryJSON, c)

	c, ok = CategoryOf("text/xml")
	require.True(t, ok)
	assert.Equal(t, CategoryXML, c)

	_, ok = CategoryOf("image/png")
	assert.False(t, ok)
}

func TestAcceptsAndPreferred(t *testing.T) {
	assert.True(t, Accepts(nil, CategoryXML))
	assert.True(t, Accepts([]Category{CategoryAny}, CategoryXML))
	assert.False(t, Accepts([]Category{CategoryJSON}, CategoryXML))
	assert.False(t, Accepts([]Category{}, CategoryJSON), "an empty negotiated list accepts nothing")

	got, ok := Preferred(nil, CategoryJSON, CategoryXML)
	require.True(t, ok)
	assert.Equal(t, CategoryJSON, got)

	got, ok = Preferred([]Category{CategoryHTML, CategoryXML}, CategoryJSON, CategoryXML)
	require.True(t, ok)
	assert.Equal(t, CategoryXML, got)

	_, ok = Preferred([]Category{CategoryHTML}, CategoryJSON)
	assert.False(t, ok)

	_, ok = Preferred([]Category{}, CategoryJSON)
	assert.False(t, ok)
}

func TestError(t *testing.T) {
	base := errors.New("db down")
	e := Wrap(fmt.Errorf("load user: %w", base))
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Equal(t, CodeHandlerError, e.Code)
	assert.ErrorIs(t, e, base)

	nf := NoEndpoint("GET", "/x")
	assert.Same(t, nf, Wrap(fmt.Errorf("route: %w", nf)))
	assert.Nil(t, Wrap(nil))

	mna := MethodNotSupported("POST", "/users", []string{"GET"})
	p := mna.Problem()
	assert.Equal(t, CodeMethodNotSupported, p["error"])
	assert.Equal(t, http.StatusMethodNotAllowed, p["status"])
	assert.Equal(t, []string{"GET"}, p["allowed"])

	pe := Panic("boom")
	assert.Equal(t, CodeHandlerPanic, pe.Code)
	assert.EqualError(t, pe.Cause, "boom")
}

func TestResponse_Reset(t *testing.T) {
	r := NewResponse()
	r.Status = http.StatusTeapot
	r.SetContentType("text/plain")
	_, _ = r.Write([]byte("partial"))
	r.Stream = io.NopCloser(strings.NewReader("x"))

	r.Reset()
	assert.Equal(t, http.StatusOK, r.Status)
	assert.Empty(t, r.ContentType())
	assert.Empty(t, r.Bytes())
	assert.False(t, r.Streaming())
	assert.Equal(t, int64(-1), r.StreamSize)
}

func TestResponse_MarkRollback(t *testing.T) {
	r := NewResponse()
	r.Status = http.StatusNotFound
	r.SetContentType("application/json")
	_, _ = r.Write([]byte("{"))
	m := r.Mark()

	r.Status = http.StatusOK
	r.SetContentType("text/html")
	_, _ = r.Write([]byte("<half"))
	r.Stream = io.NopCloser(strings.NewReader("x"))

	r.Rollback(m)
	assert.Equal(t, http.StatusNotFound, r.Status)
	assert.Equal(t, "application/json", r.ContentType())
	assert.Equal(t, "{", string(r.Bytes()))
	assert.False(t, r.Streaming())
}

func TestNewRequest(t *testing.T) {
	r := NewRequest("http", "GET", "/a")
	assert.NotEmpty(t, r.ID)
	r.Header.Set("content-type", "application/json")
	assert.Equal(t, "application/json", r.ContentType())
	r.Cookies["sid"] = "1"
	v, ok := r.Cookie("sid")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = r.File("upload")
	assert.False(t, ok)
}
