// Package web is the HTTP/1.x façade. Detected connections are served by
// net/http over a single-connection listener; every request becomes an
// exchange.Request dispatched against the façade's endpoints and grouped by
// method.
package web

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/protocol"
)

// Defaults.
const (
	DefaultMaxBodyBytes      = 10 << 20
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 2 * time.Minute
	FilterPriority           = 100
	StaticFilterPriority     = 90
)

var errShuttingDown = errors.New("web: shutting down")

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the façade logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) {
		f.SetLogger(log)
	}
}

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Facade) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

// WithTimeouts sets the per-connection read header and idle timeouts.
func WithTimeouts(readHeader, idle time.Duration) Option {
	return func(f *Facade) {
		f.readHeaderTimeout = readHeader
		f.idleTimeout = idle
	}
}

// WithUpgrader hands WebSocket upgrade requests to u.
func WithUpgrader(u Upgrader) Option {
	return func(f *Facade) {
		f.upgrader = u
	}
}

// WithInfo sets the title and version of the OpenAPI document.
func WithInfo(title, version string) Option {
	return func(f *Facade) {
		f.title = title
		f.version = version
	}
}

// Upgrader takes over connections that ask to switch protocols. Upgrade
// runs in the request's handler and owns the connection until it returns.
type Upgrader interface {
	CanUpgrade(r *http.Request) bool
	Upgrade(w http.ResponseWriter, r *http.Request) error
}

// Facade is the HTTP façade.
type Facade struct {
	protocol.Lifecycle

	dispatcher *dispatch.Dispatcher
	set        *endpoint.Set
	static     *endpoint.Set
	log        *slog.Logger
	upgrader   Upgrader

	maxBody           int64
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	title, version    string

	mu      sync.Mutex
	fixed   []endpoint.Declaration
	servers map[*http.Server]struct{}
	closing bool
}

var (
	_ protocol.Handler    = (*Facade)(nil)
	_ protocol.Detectable = (*Facade)(nil)
	_ protocol.Routable   = (*Facade)(nil)
	_ protocol.Loggable   = (*Facade)(nil)
)

// New creates the HTTP façade and registers its resource filter with d.
func New(d *dispatch.Dispatcher, opts ...Option) *Facade {
	f := &Facade{
		dispatcher:        d,
		log:               logging.Nop(),
		maxBody:           DefaultMaxBodyBytes,
		readHeaderTimeout: DefaultReadHeaderTimeout,
		idleTimeout:       DefaultIdleTimeout,
		title:             "portmux",
		version:           "dev",
		servers:           make(map[*http.Server]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.set = endpoint.NewSet(Name, endpoint.WithLogger(f.log))
	f.static = endpoint.NewSet("static", endpoint.WithLogger(f.log))
	d.AddFilter(&filter{dispatch.NewSetFilter(Name, FilterPriority, f.set)})
	d.AddFilter(&filter{dispatch.NewSetFilter(Name, StaticFilterPriority, f.static)})
	return f
}

func (f *Facade) Metadata() protocol.Metadata {
	return protocol.Metadata{
		ID:       Name,
		Name:     "HTTP",
		Protocol: protocol.ProtocolHTTP,
		Capabilities: []protocol.Capability{
			protocol.CapabilityDetection,
			protocol.CapabilityRouting,
			protocol.CapabilityStreaming,
			protocol.CapabilityUpgrade,
		},
		TransportType: protocol.TransportHTTP1,
	}
}

func (f *Facade) Start(ctx context.Context) error {
	f.mu.Lock()
	f.closing = false
	f.mu.Unlock()
	return f.MarkStarted()
}

// Stop shuts down every per-connection server, waiting up to timeout for
// in-flight requests.
func (f *Facade) Stop(ctx context.Context, timeout time.Duration) error {
	if err := f.MarkStopping(); err != nil {
		return err
	}
	defer f.MarkStopped()

	f.mu.Lock()
	f.closing = true
	servers := make([]*http.Server, 0, len(f.servers))
	for srv := range f.servers {
		servers = append(servers, srv)
	}
	f.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

func (f *Facade) Health(ctx context.Context) protocol.HealthStatus {
	f.mu.Lock()
	active := len(f.servers)
	f.mu.Unlock()
	return f.HealthWith(map[string]int{
		"connections": active,
		"endpoints":   f.set.Len(),
		"mounts":      f.static.Len() / 2,
	})
}

// SetLogger implements protocol.Loggable.
func (f *Facade) SetLogger(log *slog.Logger) {
	f.log = logging.Component(log, "web")
}

func (f *Facade) Detectors() []detect.Factory {
	return []detect.Factory{{
		Name:     Name,
		Priority: Priority,
		New:      func() detect.Detector { return &detector{f: f} },
	}}
}

// Endpoints returns the HTTP endpoint set.
func (f *Facade) Endpoints() *endpoint.Set { return f.set }

// Register adds the declarations served over HTTP. Declarations without a
// protocol facet are HTTP declarations.
func (f *Facade) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	return f.set.Register(endpoint.Filter(seq, Name, Name))
}

// Reload replaces the HTTP endpoints. Fixed declarations are kept.
func (f *Facade) Reload(seq iter.Seq[endpoint.Declaration]) error {
	f.mu.Lock()
	fixed := slices.Clone(f.fixed)
	f.mu.Unlock()
	return f.set.Reload(concat(slices.Values(fixed), endpoint.Filter(seq, Name, Name)))
}

// AddFixed registers declarations that survive Reload, such as built-in
// endpoints.
func (f *Facade) AddFixed(decls ...endpoint.Declaration) error {
	f.mu.Lock()
	f.fixed = append(f.fixed, decls...)
	f.mu.Unlock()
	_, err := f.set.Register(slices.Values(decls))
	return err
}

func (f *Facade) track(srv *http.Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return false
	}
	f.servers[srv] = struct{}{}
	return true
}

func (f *Facade) untrack(srv *http.Server) {
	f.mu.Lock()
	delete(f.servers, srv)
	f.mu.Unlock()
}

func concat[T any](seqs ...iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, seq := range seqs {
			for v := range seq {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// filter resolves HTTP requests. HEAD requests fall back to GET endpoints.
type filter struct {
	*dispatch.SetFilter
}

func (f *filter) Resolve(req *exchange.Request) (*dispatch.Route, error) {
	route, err := f.SetFilter.Resolve(req)
	if route == nil && err != nil && req.Group == http.MethodHead {
		get := *req
		get.Group = http.MethodGet
		if r, _ := f.SetFilter.Resolve(&get); r != nil {
			return r, nil
		}
	}
	return route, err
}
