// Package routes turns configured routes into endpoint declarations served
// by a Responder, so a server can answer on any façade without code.
package routes

import (
	"errors"
	"fmt"
	"iter"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/provider"
)

// DefaultProtocol serves routes that name no protocol.
const DefaultProtocol = "http"

// Route is one configured endpoint.
type Route struct {
	// Name labels the route in listings.
	Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`

	// Protocol names the façade serving the route. Defaults to http.
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty" toml:"protocol,omitempty"`

	// Group is the HTTP method, PUBLISH, UNARY and so on. Empty matches
	// every group.
	Group string `json:"group,omitempty" yaml:"group,omitempty" toml:"group,omitempty"`

	Pattern  string   `json:"pattern" yaml:"pattern" toml:"pattern"`
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	Response Response `json:"response" yaml:"response" toml:"response"`
}

// Response says how a route answers. Exactly one of Body, JSON, File or
// Echo is used, in that order of precedence: File, Echo, JSON, Body.
type Response struct {
	Status      int               `json:"status,omitempty" yaml:"status,omitempty" toml:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty" yaml:"contentType,omitempty" toml:"contentType,omitempty"`
	Body        string            `json:"body,omitempty" yaml:"body,omitempty" toml:"body,omitempty"`
	JSON        any               `json:"json,omitempty" yaml:"json,omitempty" toml:"json,omitempty"`
	File        string            `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`

	// Echo answers with the request's target, group, bindings, query and
	// body.
	Echo bool `json:"echo,omitempty" yaml:"echo,omitempty" toml:"echo,omitempty"`

	// Delay is waited before answering, e.g. "250ms".
	Delay string `json:"delay,omitempty" yaml:"delay,omitempty" toml:"delay,omitempty"`
}

// Kind names the response kind.
func (r Response) Kind() string {
	switch {
	case r.File != "":
		return "file"
	case r.Echo:
		return "echo"
	case r.JSON != nil:
		return "json"
	default:
		return "static"
	}
}

// ValidationError reports an invalid route.
type ValidationError struct {
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("routes[%d].%s: %s", e.Index, e.Field, e.Message)
}

// Validate checks every route and reports all problems.
func Validate(rs []Route) error {
	var errs []error
	for i, r := range rs {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, &ValidationError{Index: i, Field: "pattern", Message: "is required"})
		}
		if s := r.Response.Status; s != 0 && (s < 100 || s > 599) {
			errs = append(errs, &ValidationError{Index: i, Field: "response.status", Message: fmt.Sprintf("%d is not a valid status", s)})
		}
		if d := r.Response.Delay; d != "" {
			if v, err := time.ParseDuration(d); err != nil || v < 0 {
				errs = append(errs, &ValidationError{Index: i, Field: "response.delay", Message: fmt.Sprintf("%q is not a valid duration", d)})
			}
		}
	}
	return errors.Join(errs...)
}

// Declarations builds one declaration per protocol and pattern. Routes
// sharing both are answered by the same Responder, which picks the response
// by group.
func Declarations(rs []Route) (iter.Seq[endpoint.Declaration], error) {
	if err := Validate(rs); err != nil {
		return nil, err
	}

	type key struct{ protocol, pattern string }
	var order []key
	responders := make(map[key]*Responder)
	for _, r := range rs {
		k := key{protocolOf(r), r.Pattern}
		rp, ok := responders[k]
		if !ok {
			rp = newResponder(k.pattern)
			responders[k] = rp
			order = append(order, k)
		}
		if err := rp.add(r); err != nil {
			return nil, err
		}
	}

	decls := make([]endpoint.Declaration, 0, len(order))
	for _, k := range order {
		rp := responders[k]
		decls = append(decls, endpoint.Declaration{
			Type:     reflect.TypeFor[*Responder](),
			Method:   "Respond",
			Pattern:  k.pattern,
			Group:    endpoint.GroupAny,
			Priority: rp.priority,
			Provider: provider.Singleton(rp),
			Facets: map[string]string{
				endpoint.FacetProtocol: k.protocol,
				endpoint.FacetSummary:  rp.summary(),
			},
		})
	}
	return slices.Values(decls), nil
}

func protocolOf(r Route) string {
	if r.Protocol == "" {
		return DefaultProtocol
	}
	return strings.ToLower(r.Protocol)
}
