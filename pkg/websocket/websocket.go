package websocket

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"golang.org/x/net/http/httpguts"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/protocol"
	"github.com/getmockd/portmux/pkg/web"
)

// Name is the codec and protocol name.
const Name = "websocket"

// GroupMessage is the group of every WebSocket request.
const GroupMessage = "MESSAGE"

// Defaults.
const (
	DefaultMaxMessageSize = 1 << 20
	DefaultWriteTimeout   = 10 * time.Second
	FilterPriority        = 100
)

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the façade logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) { f.SetLogger(log) }
}

// WithMaxMessageSize limits inbound messages. Larger messages close the
// session with StatusMessageTooBig. Non-positive values keep the default.
func WithMaxMessageSize(n int64) Option {
	return func(f *Facade) {
		if n > 0 {
			f.maxMessageSize = n
		}
	}
}

// WithMaxSessions limits concurrent sessions. Zero means no limit.
func WithMaxSessions(n int) Option {
	return func(f *Facade) { f.maxSessions = n }
}

// WithSubprotocols lists the subprotocols offered during the handshake.
func WithSubprotocols(protocols ...string) Option {
	return func(f *Facade) { f.subprotocols = protocols }
}

// WithOriginPatterns restricts cross-origin upgrades to the given host
// patterns. Without any, every origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(f *Facade) { f.origins = patterns }
}

// WithWriteTimeout bounds each reply write.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Facade) { f.writeTimeout = d }
}

// Facade is the WebSocket façade. It implements web.Upgrader.
type Facade struct {
	protocol.Lifecycle

	dispatcher *dispatch.Dispatcher
	set        *endpoint.Set
	log        *slog.Logger

	maxMessageSize int64
	maxSessions    int
	subprotocols   []string
	origins        []string
	writeTimeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	drained  chan struct{}
}

var (
	_ protocol.Handler  = (*Facade)(nil)
	_ protocol.Routable = (*Facade)(nil)
	_ protocol.Loggable = (*Facade)(nil)
	_ web.Upgrader      = (*Facade)(nil)
)

// New creates the WebSocket façade and registers its resource filter with d.
func New(d *dispatch.Dispatcher, opts ...Option) *Facade {
	f := &Facade{
		dispatcher:     d,
		log:            logging.Nop(),
		maxMessageSize: DefaultMaxMessageSize,
		writeTimeout:   DefaultWriteTimeout,
		sessions:       make(map[string]*session),
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
		Name:     "WebSocket",
		Protocol: protocol.ProtocolWebSocket,
		Capabilities: []protocol.Capability{
			protocol.CapabilityRouting,
			protocol.CapabilityBidirectional,
			protocol.CapabilityUpgrade,
		},
		TransportType: protocol.TransportWebSocket,
	}
}

func (f *Facade) Start(ctx context.Context) error {
	return f.MarkStarted()
}

// Stop closes every session with StatusGoingAway and waits for their loops
// to finish, or for timeout.
func (f *Facade) Stop(ctx context.Context, timeout time.Duration) error {
	if err := f.MarkStopping(); err != nil {
		return err
	}
	defer f.MarkStopped()

	f.mu.Lock()
	open := slices.Collect(maps.Values(f.sessions))
	var drained chan struct{}
	if len(open) > 0 {
		drained = make(chan struct{})
		f.drained = drained
	}
	f.mu.Unlock()

	for _, s := range open {
		s.close(ws.StatusGoingAway, "server shutting down")
	}
	if drained == nil {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket: %d sessions still open: %w", f.Count(), ctx.Err())
	}
}

func (f *Facade) Health(ctx context.Context) protocol.HealthStatus {
	return f.HealthWith(map[string]int{
		"sessions":  f.Count(),
		"endpoints": f.set.Len(),
	})
}

func (f *Facade) SetLogger(log *slog.Logger) {
	f.log = logging.Component(logging.OrNop(log), "websocket")
}

// Endpoints returns the façade's endpoint set.
func (f *Facade) Endpoints() *endpoint.Set { return f.set }

// Register adds the websocket declarations of seq.
func (f *Facade) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	return f.set.Register(endpoint.Filter(seq, Name, web.Name))
}

// Reload replaces the endpoints with the websocket declarations of seq.
func (f *Facade) Reload(seq iter.Seq[endpoint.Declaration]) error {
	return f.set.Reload(endpoint.Filter(seq, Name, web.Name))
}

// CanUpgrade reports a WebSocket handshake request.
func (f *Facade) CanUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade")
}

// Upgrade accepts the handshake, installs the session codec on the
// connection and serves messages until the session ends.
func (f *Facade) Upgrade(w http.ResponseWriter, r *http.Request) error {
	if !f.Running() {
		http.Error(w, "websocket unavailable", http.StatusServiceUnavailable)
		return ErrShuttingDown
	}
	if f.maxSessions > 0 && f.Count() >= f.maxSessions {
		http.Error(w, "maximum sessions reached", http.StatusServiceUnavailable)
		return ErrMaxSessionsReached
	}

	c, ok := web.ConnFrom(r.Context())
	if !ok {
		c = conn.New(nil, conn.WithLogger(f.log))
		defer c.Close()
	}

	wc, err := ws.Accept(w, r, &ws.AcceptOptions{
		Subprotocols:       f.subprotocols,
		OriginPatterns:     f.origins,
		InsecureSkipVerify: len(f.origins) == 0,
		CompressionMode:    ws.CompressionDisabled,
	})
	if err != nil {
		return fmt.Errorf("websocket: accept: %w", err)
	}
	wc.SetReadLimit(f.maxMessageSize)

	s := newSession(f, wc, r)
	if err := c.Install(s); err != nil {
		_ = wc.Close(ws.StatusPolicyViolation, "protocol switch refused")
		return err
	}
	return c.Serve()
}

// Count returns the number of open sessions.
func (f *Facade) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// Sessions describes the open sessions ordered by connection time.
func (f *Facade) Sessions() []SessionInfo {
	f.mu.Lock()
	infos := make([]SessionInfo, 0, len(f.sessions))
	for _, s := range f.sessions {
		infos = append(infos, s.info())
	}
	f.mu.Unlock()
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return infos
}

// Send writes a text frame to one session.
func (f *Facade) Send(ctx context.Context, id string, text []byte) error {
	f.mu.Lock()
	s, ok := f.sessions[id]
	f.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.send(ctx, text)
}

// Broadcast writes a text frame to every session whose path matches path,
// or to all sessions when path is empty. It returns the number of sessions
// reached.
func (f *Facade) Broadcast(ctx context.Context, path string, text []byte) int {
	f.mu.Lock()
	targets := make([]*session, 0, len(f.sessions))
	for _, s := range f.sessions {
		if path == "" || s.path == path {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	sent := 0
	for _, s := range targets {
		if err := s.send(ctx, text); err != nil {
			f.log.Debug("broadcast skipped session", "session", s.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (f *Facade) add(s *session) {
	f.mu.Lock()
	f.sessions[s.id] = s
	f.mu.Unlock()
}

func (f *Facade) remove(s *session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, s.id)
	if len(f.sessions) == 0 && f.drained != nil {
		close(f.drained)
		f.drained = nil
	}
}
