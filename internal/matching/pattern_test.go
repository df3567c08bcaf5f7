package matching

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_UsersRoundTrip(t *testing.T) {
	m, err := Compile("/users/{id}")
	require.NoError(t, err)
	assert.Equal(t, KindSegments, m.Kind())
	assert.Equal(t, []string{"id"}, m.Params())

	b, ok := m.Match("/users/42")
	require.True(t, ok)
	assert.Equal(t, Bindings{"id": "42"}, b)

	_, ok = m.Match("/users")
	assert.False(t, ok)
	_, ok = m.Match("/users/42/extra")
	assert.False(t, ok)
}

func TestMatch_Segments(t *testing.T) {
	tests := []struct {
		name      string
		template  string
		candidate string
		want      Bindings
		wantOK    bool
	}{
		{name: "exact", template: "/health", candidate: "/health", want: Bindings{}, wantOK: true},
		{name: "exact mismatch", template: "/health", candidate: "/Health", wantOK: false},
		{name: "trailing slash ignored", template: "/users/{id}", candidate: "/users/7/", want: Bindings{"id": "7"}, wantOK: true},
		{name: "leading slash optional", template: "/users/{id}", candidate: "users/42", want: Bindings{"id": "42"}, wantOK: true},
		{name: "repeated edge slashes ignored", template: "/users/{id}", candidate: "//users/42//", want: Bindings{"id": "42"}, wantOK: true},
		{name: "template edges ignored", template: "users/{id}/", candidate: "/users/42", want: Bindings{"id": "42"}, wantOK: true},
		{name: "empty segment does not bind", template: "/users/{id}/posts", candidate: "/users//posts", wantOK: false},
		{name: "two params", template: "/users/{uid}/posts/{pid}", candidate: "/users/1/posts/2", want: Bindings{"uid": "1", "pid": "2"}, wantOK: true},
		{name: "wildcard", template: "/a/*/c", candidate: "/a/b/c", want: Bindings{}, wantOK: true},
		{name: "wildcard needs a segment", template: "/a/*/c", candidate: "/a/c", wantOK: false},
		{name: "int ok", template: "/items/{id:int}", candidate: "/items/-3", want: Bindings{"id": "-3"}, wantOK: true},
		{name: "int rejects text", template: "/items/{id:int}", candidate: "/items/abc", wantOK: false},
		{name: "uint rejects negative", template: "/items/{id:uint}", candidate: "/items/-3", wantOK: false},
		{name: "float", template: "/p/{x:float}", candidate: "/p/1.5", want: Bindings{"x": "1.5"}, wantOK: true},
		{name: "uuid", template: "/s/{u:uuid}", candidate: "/s/6ba7b810-9dad-11d1-80b4-00c04fd430c8", want: Bindings{"u": "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}, wantOK: true},
		{name: "uuid rejects", template: "/s/{u:uuid}", candidate: "/s/nope", wantOK: false},
		{name: "alpha", template: "/n/{s:alpha}", candidate: "/n/abc", want: Bindings{"s": "abc"}, wantOK: true},
		{name: "alpha rejects digits", template: "/n/{s:alpha}", candidate: "/n/ab1", wantOK: false},
		{name: "regex constraint", template: "/fx/{code:[A-Z]{3}}", candidate: "/fx/EUR", want: Bindings{"code": "EUR"}, wantOK: true},
		{name: "regex constraint is total", template: "/fx/{code:[A-Z]{3}}", candidate: "/fx/EURO", wantOK: false},
		{name: "rest", template: "/files/{path...}", candidate: "/files/a/b/c.txt", want: Bindings{"path": "a/b/c.txt"}, wantOK: true},
		{name: "rest needs a segment", template: "/files/{path...}", candidate: "/files", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(tt.template)
			require.NoError(t, err)

			got, ok := m.Match(tt.candidate)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestMatch_TopicSeparator(t *testing.T) {
	m, err := Compile("orders.{region}.created", WithSeparator('.'))
	require.NoError(t, err)

	b, ok := m.Match("orders.eu.created")
	require.True(t, ok)
	assert.Equal(t, "eu", b["region"])

	assert.False(t, m.Matches("orders/eu/created"))
}

func TestMatch_CaseFold(t *testing.T) {
	m, err := Compile("/Users/{id}", WithCaseFold())
	require.NoError(t, err)

	b, ok := m.Match("/USERS/9")
	require.True(t, ok)
	assert.Equal(t, "9", b["id"])
	// Bound values keep their original case.
	b, ok = m.Match("/users/AbC")
	require.True(t, ok)
	assert.Equal(t, "AbC", b["id"])

	strict := MustCompile("/Users/{id}")
	assert.False(t, strict.Matches("/USERS/9"))
}

func TestMatch_Regex(t *testing.T) {
	m, err := Compile(`~/api/(?P<resource>\w+)/(?P<id>\d+)`)
	require.NoError(t, err)
	assert.Equal(t, KindRegex, m.Kind())
	assert.Equal(t, []string{"resource", "id"}, m.Params())

	b, ok := m.Match("/api/users/12")
	require.True(t, ok)
	assert.Equal(t, Bindings{"resource": "users", "id": "12"}, b)

	// Regex templates are anchored on both ends.
	assert.False(t, m.Matches("/v1/api/users/12"))
	assert.False(t, m.Matches("/api/users/12/profile"))
}

func TestMatch_Glob(t *testing.T) {
	m, err := Compile("orders/**")
	require.NoError(t, err)
	assert.Equal(t, KindGlob, m.Kind())

	b, ok := m.Match("orders/eu/1")
	require.True(t, ok)
	assert.Empty(t, b)
	assert.False(t, m.Matches("invoices/1"))

	dotted, err := Compile("sensors.*.temp", WithSeparator('.'))
	require.NoError(t, err)
	// A lone "*" segment is a wildcard segment, not a glob.
	assert.Equal(t, KindSegments, dotted.Kind())
	assert.True(t, dotted.Matches("sensors.k1.temp"))

	partial, err := Compile("sensors.k*.temp", WithSeparator('.'))
	require.NoError(t, err)
	assert.Equal(t, KindGlob, partial.Kind())
	assert.True(t, partial.Matches("sensors.k1.temp"))
	assert.False(t, partial.Matches("sensors.x1.temp"))
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		template string
	}{
		{name: "empty", template: "  "},
		{name: "mixed literal", template: "/users/id{id}"},
		{name: "unterminated", template: "/users/{id"},
		{name: "duplicate param", template: "/a/{id}/b/{id}"},
		{name: "rest not last", template: "/a/{rest...}/b"},
		{name: "bad regex constraint", template: "/a/{x:[}"},
		{name: "bad regex template", template: "~/a/(?P<x>"},
		{name: "bad name", template: "/a/{9x}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.template)
			require.Error(t, err)
		})
	}

	_, err := Compile("")
	assert.ErrorIs(t, err, ErrEmptyTemplate)
	_, err = Compile("/a/{id")
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestMatcher_ConcurrentUse(t *testing.T) {
	m := MustCompile("/users/{id:int}")

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				b, ok := m.Match("/users/5")
				assert.True(t, ok)
				assert.Equal(t, "5", b["id"])
				assert.False(t, m.Matches("/users/x"))
			}
		}()
	}
	wg.Wait()
}

func TestJSONPath(t *testing.T) {
	p, err := CompileJSONPath("$.user.name")
	require.NoError(t, err)
	assert.Equal(t, "user_name", p.Key())

	v, ok := p.FirstBytes([]byte(`{"user":{"name":"ada"}}`))
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	_, ok = p.FirstBytes([]byte(`not json`))
	assert.False(t, ok)
	_, ok = p.FirstBytes(nil)
	assert.False(t, ok)
}
