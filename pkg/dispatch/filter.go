package dispatch

import (
	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
)

// Route is a resolved endpoint with its bindings.
type Route struct {
	Endpoint *endpoint.Endpoint
	Bindings matching.Bindings
}

// ResourceFilter is a façade's strategy for resolving inbound messages.
//
// Resolve returns (nil, nil) for requests the filter does not serve. A
// routing failure within the filter's own protocol is reported as an
// *exchange.Error so a lower filter still gets a chance.
type ResourceFilter interface {
	Name() string
	Priority() int
	Resolve(req *exchange.Request) (*Route, error)
}

// SetFilter resolves requests of one protocol against an endpoint set.
type SetFilter struct {
	name     string
	protocol string
	priority int
	set      *endpoint.Set
}

// NewSetFilter creates a filter matching req.Group and req.Target of
// protocol requests against set.
func NewSetFilter(protocol string, priority int, set *endpoint.Set) *SetFilter {
	return &SetFilter{
		name:     protocol + ":" + set.Name(),
		protocol: protocol,
		priority: priority,
		set:      set,
	}
}

func (f *SetFilter) Name() string { return f.name }

func (f *SetFilter) Priority() int { return f.priority }

// Set returns the endpoint set.
func (f *SetFilter) Set() *endpoint.Set { return f.set }

// Protocol returns the served protocol.
func (f *SetFilter) Protocol() string { return f.protocol }

func (f *SetFilter) Resolve(req *exchange.Request) (*Route, error) {
	if req.Protocol != f.protocol {
		return nil, nil
	}
	if ep, b, ok := f.set.Match(req.Group, req.Target); ok {
		return &Route{Endpoint: ep, Bindings: b}, nil
	}
	if allowed := f.set.Allowed(req.Target); len(allowed) > 0 {
		return nil, exchange.MethodNotSupported(req.Group, req.Target, allowed)
	}
	return nil, exchange.NoEndpoint(req.Group, req.Target)
}
