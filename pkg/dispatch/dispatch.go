// Package dispatch runs the per-message lifecycle: match the request to an
// endpoint through the resource filters, inject arguments, invoke it and
// render whatever comes back through the transformer chain.
//
// Every path ends in the chain, so a request always produces a reply:
// routing failures, handler errors and panics are rendered like values.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/transform"
)

// Phase is a step of the dispatch lifecycle.
type Phase int

const (
	PhaseReceived Phase = iota
	PhaseMatching
	PhaseInvoking
	PhaseTransforming
	PhaseWritten
)

func (p Phase) String() string {
	switch p {
	case PhaseReceived:
		return "received"
	case PhaseMatching:
		return "matching"
	case PhaseInvoking:
		return "invoking"
	case PhaseTransforming:
		return "transforming"
	case PhaseWritten:
		return "written"
	}
	return "unknown"
}

// Outcome labels.
const (
	OutcomeOK            = "ok"
	OutcomeNoEndpoint    = "no_endpoint"
	OutcomeError         = "error"
	OutcomeNotAcceptable = "not_acceptable"
)

// Outcome describes one finished dispatch.
type Outcome struct {
	Protocol string
	Endpoint string
	Status   int
	Result   string
	Duration time.Duration
	Err      error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = logging.Component(log, "dispatch")
	}
}

// WithChain sets the transformer chain.
func WithChain(c *transform.Chain) Option {
	return func(d *Dispatcher) {
		d.chain = c
	}
}

// WithStrictNumeric records primitive numeric coercion failures as
// validation failures.
func WithStrictNumeric(strict bool) Option {
	return func(d *Dispatcher) {
		d.injector.StrictNumeric = strict
	}
}

// WithResolver adds a pass-through parameter resolver.
func WithResolver(r endpoint.Resolver) Option {
	return func(d *Dispatcher) {
		d.injector.Resolvers = append(d.injector.Resolvers, r)
	}
}

// OnPhase registers a hook called as each phase starts.
func OnPhase(fn func(Phase, *exchange.Request)) Option {
	return func(d *Dispatcher) {
		d.onPhase = append(d.onPhase, fn)
	}
}

// OnMatched registers a hook called with the resolved route.
func OnMatched(fn func(*exchange.Request, *Route)) Option {
	return func(d *Dispatcher) {
		d.onMatched = append(d.onMatched, fn)
	}
}

// OnError registers a hook called for routing and handler failures.
func OnError(fn func(*exchange.Request, error)) Option {
	return func(d *Dispatcher) {
		d.onError = append(d.onError, fn)
	}
}

// WithObserver registers a hook called once per dispatch, typically for
// metrics.
func WithObserver(fn func(Outcome)) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, fn)
	}
}

// Dispatcher owns the resource filters and the transformer chain.
type Dispatcher struct {
	mu      sync.Mutex
	filters atomic.Pointer[[]ResourceFilter]

	chain    *transform.Chain
	injector *endpoint.Injector
	log      *slog.Logger

	onPhase   []func(Phase, *exchange.Request)
	onMatched []func(*exchange.Request, *Route)
	onError   []func(*exchange.Request, error)
	observers []func(Outcome)
}

// New creates a dispatcher. Without WithChain it uses the default
// transformers.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		injector: &endpoint.Injector{},
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.chain == nil {
		d.chain = transform.NewChain(transform.Defaults(), transform.WithLogger(d.log))
	}
	d.injector.Log = d.log
	empty := []ResourceFilter{}
	d.filters.Store(&empty)
	return d
}

// AddFilter registers f. Filters are asked highest priority first; equal
// priorities keep registration order.
func (d *Dispatcher) AddFilter(f ResourceFilter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.filters.Load()
	next := make([]ResourceFilter, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, f)
	slices.SortStableFunc(next, func(a, b ResourceFilter) int {
		return cmp.Compare(b.Priority(), a.Priority())
	})
	d.filters.Store(&next)
}

// Filters returns the filters in evaluation order.
func (d *Dispatcher) Filters() []ResourceFilter {
	return slices.Clone(*d.filters.Load())
}

// Chain returns the transformer chain.
func (d *Dispatcher) Chain() *transform.Chain { return d.chain }

// Match asks each filter in order. The first route wins. Without a route
// the most specific routing error is returned: method not supported beats
// no endpoint.
func (d *Dispatcher) Match(req *exchange.Request) (*Route, error) {
	var routeErr *exchange.Error
	for _, f := range *d.filters.Load() {
		route, err := f.Resolve(req)
		if route != nil {
			return route, nil
		}
		if err == nil {
			continue
		}
		e := exchange.Wrap(err)
		if routeErr == nil || (routeErr.Code == exchange.CodeNoEndpoint && e.Code != exchange.CodeNoEndpoint) {
			routeErr = e
		}
	}
	if routeErr == nil {
		routeErr = exchange.NoEndpoint(req.Group, req.Target)
	}
	return nil, routeErr
}

// Dispatch runs one request through match, invoke and transform and
// returns the rendered response. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, c *conn.Conn, req *exchange.Request) *exchange.Response {
	start := time.Now()
	resp := exchange.NewResponse()
	log := d.log
	if c != nil {
		log = c.Logger()
	}
	log = log.With("request", req.ID, "target", req.Target)

	d.phase(PhaseReceived, req)
	d.phase(PhaseMatching, req)
	out := Outcome{Protocol: req.Protocol, Result: OutcomeOK}

	var value any
	route, err := d.Match(req)
	if err != nil {
		value = err
		out.Result = OutcomeNoEndpoint
		d.failed(req, err)
		log.Debug("no endpoint", "group", req.Group, "error", err)
	} else {
		out.Endpoint = route.Endpoint.Key()
		for _, fn := range d.onMatched {
			fn(req, route)
		}
		d.phase(PhaseInvoking, req)
		value = d.invoke(ctx, c, req, resp, route, log)
		if err, ok := value.(error); ok {
			out.Result = OutcomeError
			d.failed(req, err)
		}
	}

	d.phase(PhaseTransforming, req)
	if !d.render(value, req, resp, route, log) {
		out.Result = OutcomeNotAcceptable
	}

	out.Status = resp.Status
	out.Duration = time.Since(start)
	if e, ok := value.(error); ok {
		out.Err = e
	}
	for _, fn := range d.observers {
		fn(out)
	}
	return resp
}

func (d *Dispatcher) invoke(ctx context.Context, c *conn.Conn, req *exchange.Request, resp *exchange.Response, route *Route, log *slog.Logger) (value any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked",
				"endpoint", route.Endpoint.Key(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			value = exchange.Panic(r)
		}
	}()

	if c != nil && c.IsClosed() {
		return conn.ErrClosed
	}

	args, _ := d.injector.Inject(route.Endpoint, &endpoint.Call{
		Ctx:      ctx,
		Request:  req,
		Response: resp,
		Conn:     c,
		Bindings: route.Bindings,
	})
	result, err := route.Endpoint.Invoke(ctx, args)
	if err != nil {
		log.Debug("handler returned error", "endpoint", route.Endpoint.Key(), "error", err)
		return err
	}
	return result
}

// render runs the chain. On exhaustion it writes the fixed not acceptable
// reply and reports false.
func (d *Dispatcher) render(value any, req *exchange.Request, resp *exchange.Response, route *Route, log *slog.Logger) bool {
	accept := req.Accept
	if route != nil {
		var ok bool
		if accept, ok = narrow(req.Accept, route.Endpoint.Produces()); !ok {
			value = exchange.NotAcceptable()
			accept = req.Accept
		}
	}

	tctx := &transform.Context{
		Request:  req,
		Response: resp,
		Accept:   accept,
		Protocol: req.Protocol,
		Log:      log,
	}
	err := d.chain.Resolve(value, tctx)
	if err == nil {
		return true
	}

	log.Error("no transformer can render the result, check the transformer chain",
		"value", typeName(value),
		"accept", req.Accept,
		"error", err,
	)
	resp.Reset()
	resp.Status = http.StatusNotAcceptable
	resp.SetContentType(exchange.CategoryText.MediaType())
	resp.Category = exchange.CategoryText
	_, _ = io.WriteString(resp, "not acceptable\n")
	return false
}

// narrow restricts the negotiated categories to what an endpoint produces.
// It reports false when the peer accepts none of them.
func narrow(accept, produces []exchange.Category) ([]exchange.Category, bool) {
	if len(produces) == 0 {
		return accept, true
	}
	if accept == nil {
		return produces, true
	}
	var out []exchange.Category
	for _, a := range accept {
		if a == exchange.CategoryAny {
			for _, p := range produces {
				if !slices.Contains(out, p) {
					out = append(out, p)
				}
			}
			continue
		}
		if slices.Contains(produces, a) && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out, len(out) > 0
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	var e *exchange.Error
	if err, ok := v.(error); ok && errors.As(err, &e) {
		return "error:" + e.Code
	}
	return fmt.Sprintf("%T", v)
}

func (d *Dispatcher) phase(p Phase, req *exchange.Request) {
	for _, fn := range d.onPhase {
		fn(p, req)
	}
}

func (d *Dispatcher) failed(req *exchange.Request, err error) {
	for _, fn := range d.onError {
		fn(req, err)
	}
}
