package grpc

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/protocol"
)

// Name is the detector, codec and protocol name.
const Name = "grpc"

// Priority ranks the preface detector above the HTTP/1 detector.
const Priority = 700

// GroupUnary is the group of call messages.
const GroupUnary = "UNARY"

// FilterPriority ranks the gRPC filter.
const FilterPriority = 100

// DefaultMaxMessageSize limits inbound messages.
const DefaultMaxMessageSize = 4 << 20

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the façade logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) { f.SetLogger(log) }
}

// WithFallback serves HTTP/2 requests that are not gRPC calls.
func WithFallback(h http.Handler) Option {
	return func(f *Facade) { f.fallback = h }
}

// WithReflection registers the server reflection service.
func WithReflection(enabled bool) Option {
	return func(f *Facade) { f.reflection = enabled }
}

// WithMaxMessageSize limits inbound messages to n bytes.
func WithMaxMessageSize(n int) Option {
	return func(f *Facade) {
		if n > 0 {
			f.maxMessage = n
		}
	}
}

// Facade is the gRPC façade.
type Facade struct {
	protocol.Lifecycle

	dispatcher *dispatch.Dispatcher
	set        *endpoint.Set
	log        *slog.Logger
	fallback   http.Handler
	reflection bool
	maxMessage int

	mu     sync.Mutex
	server *grpc.Server
	health *health.Server
	conns  map[*conn.Conn]struct{}

	calls    atomic.Int64
	failed   atomic.Int64
	inflight atomic.Int64
}

var (
	_ protocol.Handler    = (*Facade)(nil)
	_ protocol.Detectable = (*Facade)(nil)
	_ protocol.Routable   = (*Facade)(nil)
	_ protocol.Loggable   = (*Facade)(nil)
)

// New creates the façade and registers its resource filter with d.
func New(d *dispatch.Dispatcher, opts ...Option) *Facade {
	f := &Facade{
		dispatcher: d,
		log:        logging.Nop(),
		maxMessage: DefaultMaxMessageSize,
		conns:      make(map[*conn.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.set = endpoint.NewSet(Name, endpoint.WithLogger(f.log))
	d.AddFilter(dispatch.NewSetFilter(Name, FilterPriority, f.set))
	return f
}

func (f *Facade) Metadata() protocol.Metadata {
	return protocol.Metadata{
		ID:       Name,
		Name:     "gRPC",
		Protocol: protocol.ProtocolGRPC,
		Capabilities: []protocol.Capability{
			protocol.CapabilityDetection,
			protocol.CapabilityRouting,
			protocol.CapabilityBidirectional,
		},
		TransportType: protocol.TransportHTTP2,
	}
}

// Start creates the gRPC server. A stopped server cannot serve again, so
// every start gets a new one.
func (f *Facade) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	server := grpc.NewServer(
		grpc.UnknownServiceHandler(f.handleStream),
		grpc.ForceServerCodec(rawCodec{}),
		grpc.MaxRecvMsgSize(f.maxMessage),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	if f.reflection {
		reflection.Register(server)
	}
	if err := f.MarkStarted(); err != nil {
		return err
	}

	f.mu.Lock()
	f.server, f.health = server, hs
	f.mu.Unlock()
	return nil
}

// Stop reports NOT_SERVING, waits for calls in flight, then closes the
// façade's connections and the gRPC server.
func (f *Facade) Stop(ctx context.Context, timeout time.Duration) error {
	if err := f.MarkStopping(); err != nil {
		return err
	}
	defer f.MarkStopped()

	f.mu.Lock()
	server, hs := f.server, f.health
	f.server, f.health = nil, nil
	conns := make([]*conn.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	if server == nil {
		return nil
	}
	hs.Shutdown()

	// Handler transports cannot drain, so calls in flight get until the
	// timeout before their connections close.
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for f.inflight.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-tick.C:
		case <-ctx.Done():
			deadline = time.Now()
		}
	}

	for _, c := range conns {
		_ = c.Close()
	}
	server.Stop()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("grpc: stop: %w", err)
	}
	return nil
}

func (f *Facade) Health(ctx context.Context) protocol.HealthStatus {
	f.mu.Lock()
	open := len(f.conns)
	f.mu.Unlock()
	return f.HealthWith(map[string]int64{
		"connections": int64(open),
		"calls":       f.calls.Load(),
		"failed":      f.failed.Load(),
		"endpoints":   int64(f.set.Len()),
	})
}

func (f *Facade) SetLogger(log *slog.Logger) {
	f.log = logging.Component(logging.OrNop(log), "grpc")
}

func (f *Facade) Detectors() []detect.Factory {
	return []detect.Factory{{
		Name:     Name,
		Priority: Priority,
		New:      func() detect.Detector { return &detector{f: f} },
	}}
}

// Endpoints returns the façade's endpoint set.
func (f *Facade) Endpoints() *endpoint.Set { return f.set }

// Register adds the grpc declarations of seq.
func (f *Facade) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	return f.set.Register(endpoint.Filter(seq, Name, "http"))
}

// Reload replaces the endpoints with the grpc declarations of seq.
func (f *Facade) Reload(seq iter.Seq[endpoint.Declaration]) error {
	return f.set.Reload(endpoint.Filter(seq, Name, "http"))
}

// SetServingStatus reports the health of a named service through the
// standard health service.
func (f *Facade) SetServingStatus(service string, serving bool) {
	f.mu.Lock()
	hs := f.health
	f.mu.Unlock()
	if hs == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus(service, st)
}

func (f *Facade) track(c *conn.Conn) (*grpc.Server, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server == nil {
		return nil, false
	}
	f.conns[c] = struct{}{}
	return f.server, true
}

func (f *Facade) untrack(c *conn.Conn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
}
