package endpoint

import (
	"iter"
	"reflect"
	"slices"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/provider"
)

// GroupAny is the wildcard group. Its endpoints are candidates for every
// group.
const GroupAny = "*"

// Well-known facet keys.
const (
	// FacetProtocol names the façade that serves the endpoint.
	FacetProtocol = "protocol"
	// FacetSummary is a one-line description used in route listings.
	FacetSummary = "summary"
	// FacetFile marks file-backed endpoints with their root directory.
	FacetFile = "file"
)

// Source says where a parameter's value comes from.
type Source int

const (
	// SourcePassThrough params are resolved by façade resolvers.
	SourcePassThrough Source = iota
	SourcePath
	SourceQuery
	SourceHeader
	SourceBody
	SourceCookie
	// SourceContext params receive a per-call object picked by type.
	SourceContext
	// SourceFile params receive uploaded files.
	SourceFile
)

var sourceNames = map[Source]string{
	SourcePassThrough: "passthrough",
	SourcePath:        "path",
	SourceQuery:       "query",
	SourceHeader:      "header",
	SourceBody:        "body",
	SourceCookie:      "cookie",
	SourceContext:     "context",
	SourceFile:        "file",
}

func (s Source) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParamHint is an explicit binding for one formal parameter.
type ParamHint struct {
	// Index is the position of the parameter, not counting the receiver.
	Index int

	Source Source

	// Name is the path variable, query key, header, cookie or form field.
	Name string

	// JSONPath selects part of a JSON body for SourceBody params.
	JSONPath string

	// Schema is a JSON Schema document the body must satisfy.
	Schema string

	// Rule is an expr expression that must evaluate to true. It sees
	// value (the converted value), raw (the source string) and present.
	Rule string

	// Message is reported when the rule, schema or coercion fails.
	Message string

	Required bool

	// Default is used when the source has no value.
	Default string
}

// Declaration describes one candidate operation to register.
type Declaration struct {
	// Type is the declaring type, e.g. reflect.TypeFor[*UserHandler]().
	Type reflect.Type

	// Method is the name of the operation on Type.
	Method string

	// Pattern is the route or topic template.
	Pattern string

	// Group is the protocol discriminator (HTTP verb, PUBLISH, ...).
	// Empty means GroupAny.
	Group string

	Priority int

	Params []ParamHint

	// Provider supplies the instance. Defaults to provider.New().
	Provider provider.Provider

	// Produces lists the content categories the operation can be rendered
	// in. Empty means any.
	Produces []exchange.Category

	Facets map[string]string

	MatchOptions []matching.Option
}

// Protocol returns the protocol facet.
func (d Declaration) Protocol() string {
	return d.Facets[FacetProtocol]
}

// Routable is implemented by handler types that list their own routes.
type Routable interface {
	Declarations() []Declaration
}

// Routes scans routables. Declarations without a Type get the routable's
// type, and those without a Provider share the routable value itself.
func Routes(rs ...Routable) iter.Seq[Declaration] {
	return func(yield func(Declaration) bool) {
		for _, r := range rs {
			for _, d := range r.Declarations() {
				if d.Type == nil {
					d.Type = reflect.TypeOf(r)
				}
				if d.Provider == nil && d.Type == reflect.TypeOf(r) {
					d.Provider = provider.Singleton(r)
				}
				if !yield(d) {
					return
				}
			}
		}
	}
}

// Of yields the given declarations.
func Of(decls ...Declaration) iter.Seq[Declaration] {
	return slices.Values(decls)
}

// WithFacet returns seq with key=value set on every declaration that has no
// value for key yet.
func WithFacet(seq iter.Seq[Declaration], key, value string) iter.Seq[Declaration] {
	return func(yield func(Declaration) bool) {
		for d := range seq {
			if d.Facets[key] == "" {
				facets := make(map[string]string, len(d.Facets)+1)
				for k, v := range d.Facets {
					facets[k] = v
				}
				facets[key] = value
				d.Facets = facets
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Filter yields the declarations whose protocol facet is protocol.
// Declarations without one are served by defaultProtocol.
func Filter(seq iter.Seq[Declaration], protocol, defaultProtocol string) iter.Seq[Declaration] {
	return func(yield func(Declaration) bool) {
		for d := range seq {
			p := d.Protocol()
			if p == "" {
				p = defaultProtocol
			}
			if p != protocol {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}
