package server

import (
	"cmp"
	"context"
	"net/http"
	"reflect"
	"slices"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/protocol"
	"github.com/getmockd/portmux/pkg/provider"
	"github.com/getmockd/portmux/pkg/web"
)

// BuiltinPrefix prefixes the built-in HTTP endpoints.
const BuiltinPrefix = "/_portmux"

// HealthReport is the body of GET /_portmux/health.
type HealthReport struct {
	Status      protocol.HealthState             `json:"status"`
	Uptime      string                           `json:"uptime"`
	Connections map[string]int                   `json:"connections"`
	Protocols   map[string]protocol.HealthStatus `json:"protocols"`
}

// RouteInfo describes one registered endpoint.
type RouteInfo struct {
	Protocol string `json:"protocol"`
	Group    string `json:"group"`
	Pattern  string `json:"pattern"`
	Handler  string `json:"handler"`
	Priority int    `json:"priority,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// builtins serves the /_portmux endpoints.
type builtins struct {
	s *Server
}

func builtinDeclarations(s *Server) []endpoint.Declaration {
	b := &builtins{s: s}
	typ := reflect.TypeFor[*builtins]()
	p := provider.Singleton(b)
	decl := func(method, path, summary string, produces ...exchange.Category) endpoint.Declaration {
		return endpoint.Declaration{
			Type:     typ,
			Method:   method,
			Group:    http.MethodGet,
			Pattern:  BuiltinPrefix + path,
			Provider: p,
			Produces: produces,
			Facets: map[string]string{
				endpoint.FacetProtocol: web.Name,
				endpoint.FacetSummary:  summary,
			},
		}
	}
	return []endpoint.Declaration{
		decl("Health", "/health", "Server and façade health", exchange.CategoryJSON),
		decl("Metrics", "/metrics", "Prometheus metrics"),
		decl("Routes", "/routes", "Registered endpoints of every façade", exchange.CategoryJSON),
		decl("Connections", "/connections", "Live connections", exchange.CategoryJSON),
		decl("OpenAPI", "/openapi.json", "OpenAPI document of the HTTP endpoints", exchange.CategoryJSON),
	}
}

// Health reports 503 unless every façade is healthy.
func (b *builtins) Health(ctx context.Context, resp *exchange.Response) HealthReport {
	s := b.s
	report := HealthReport{
		Status:      protocol.HealthHealthy,
		Uptime:      s.Uptime().Round(time.Second).String(),
		Connections: s.conns.CountByProtocol(),
		Protocols:   make(map[string]protocol.HealthStatus),
	}
	for id, h := range s.handlers.HealthAll(ctx) {
		report.Protocols[id] = h
		if h.Status != protocol.HealthHealthy {
			report.Status = protocol.HealthDegraded
		}
	}
	if report.Status != protocol.HealthHealthy {
		resp.Status = http.StatusServiceUnavailable
	}
	return report
}

func (b *builtins) Metrics(resp *exchange.Response) []byte {
	resp.SetContentType("text/plain; version=0.0.4; charset=utf-8")
	return []byte(b.s.metrics.Registry.Expose())
}

func (b *builtins) Routes() []RouteInfo {
	var out []RouteInfo
	for p, r := range b.s.handlers.Routables() {
		for _, ep := range r.Endpoints().All() {
			out = append(out, RouteInfo{
				Protocol: p.String(),
				Group:    ep.Group(),
				Pattern:  ep.Pattern(),
				Handler:  ep.Type().String() + "." + ep.Method(),
				Priority: ep.Priority(),
				Summary:  ep.Facet(endpoint.FacetSummary),
			})
		}
	}
	slices.SortFunc(out, func(a, b RouteInfo) int {
		return cmp.Or(
			cmp.Compare(a.Protocol, b.Protocol),
			cmp.Compare(a.Pattern, b.Pattern),
			cmp.Compare(a.Group, b.Group),
		)
	})
	return out
}

func (b *builtins) Connections() []conn.Info {
	return b.s.conns.List()
}

func (b *builtins) OpenAPI() *openapi3.T {
	return b.s.web.OpenAPI()
}

// Routes lists the endpoints of every façade.
func (s *Server) Routes() []RouteInfo {
	return (&builtins{s: s}).Routes()
}
