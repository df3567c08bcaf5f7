package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/portmux/pkg/binary"
	"github.com/getmockd/portmux/pkg/config"
	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/eventbus"
	"github.com/getmockd/portmux/pkg/grpc"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/metrics"
	"github.com/getmockd/portmux/pkg/mqtt"
	"github.com/getmockd/portmux/pkg/protocol"
	"github.com/getmockd/portmux/pkg/ratelimit"
	"github.com/getmockd/portmux/pkg/routes"
	"github.com/getmockd/portmux/pkg/tls"
	"github.com/getmockd/portmux/pkg/transform"
	"github.com/getmockd/portmux/pkg/web"
	"github.com/getmockd/portmux/pkg/websocket"
)

// Server is a portmux server: one listener shared by every enabled façade.
type Server struct {
	cfg     *config.ServerConfiguration
	log     *slog.Logger
	version string

	metrics    *metrics.Server
	detectors  *detect.Registry
	dispatcher *dispatch.Dispatcher
	handlers   *protocol.Registry
	conns      *conn.Tracker

	web       *web.Facade
	websocket *websocket.Facade
	bus       *eventbus.Bus
	binary    *binary.Facade
	mqtt      *mqtt.Facade
	grpc      *grpc.Facade
	tls       *tls.Facade

	mu        sync.RWMutex
	running   bool
	listener  net.Listener
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the operational logger for the server.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithVersion sets the version reported by the OpenAPI document.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer builds a server and every enabled façade from cfg. Configured
// routes are registered before it returns.
func NewServer(cfg *config.ServerConfiguration, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultServerConfiguration()
	}
	s := &Server{
		cfg:     cfg,
		log:     logging.Nop(),
		version: "dev",
		metrics: metrics.NewServer(),
		conns:   conn.NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.detectors = detect.NewRegistry(
		detect.WithLogger(s.log),
		detect.WithWindowCap(cfg.Detection.WindowCap),
		detect.WithTimeout(cfg.Detection.Timeout.D()),
		detect.WithObserver(s.detected),
	)

	chain := transform.NewChain(transform.Defaults(), transform.WithLogger(s.log))
	if cfg.HTTP.Views != "" {
		views, err := transform.ParseViews(cfg.HTTP.Views)
		if err != nil {
			return nil, err
		}
		chain.Add(views)
	}
	s.dispatcher = dispatch.New(
		dispatch.WithLogger(s.log),
		dispatch.WithChain(chain),
		dispatch.WithStrictNumeric(cfg.Dispatch.StrictNumeric),
		dispatch.WithObserver(s.dispatched),
	)

	if err := s.buildFacades(); err != nil {
		return nil, err
	}
	for _, fac := range s.handlers.Detectors() {
		if err := s.detectors.Register(fac); err != nil {
			return nil, fmt.Errorf("failed to register detector %s: %w", fac.Name, err)
		}
	}

	if s.web != nil {
		if err := s.web.AddFixed(builtinDeclarations(s)...); err != nil {
			return nil, fmt.Errorf("failed to register built-in endpoints: %w", err)
		}
		for _, m := range cfg.HTTP.Mounts {
			if err := s.web.Mount(m.Prefix, m.Dir); err != nil {
				return nil, err
			}
		}
	}
	if len(cfg.Routes) > 0 {
		decls, err := routes.Declarations(cfg.Routes)
		if err != nil {
			return nil, err
		}
		if _, err := s.Register(decls); err != nil {
			return nil, err
		}
	}
	s.countEndpoints()
	return s, nil
}

func (s *Server) buildFacades() error {
	cfg := s.cfg
	s.handlers = protocol.NewRegistry()
	var facades []protocol.Handler

	if cfg.Protocols.WebSocket {
		s.websocket = websocket.New(s.dispatcher,
			websocket.WithLogger(s.log),
			websocket.WithMaxMessageSize(cfg.WebSocket.MaxMessageSize),
			websocket.WithMaxSessions(cfg.WebSocket.MaxSessions),
			websocket.WithSubprotocols(cfg.WebSocket.Subprotocols...),
			websocket.WithOriginPatterns(cfg.WebSocket.OriginPatterns...),
			websocket.WithWriteTimeout(cfg.WebSocket.WriteTimeout.D()),
		)
	}
	if cfg.Protocols.HTTP {
		opts := []web.Option{
			web.WithLogger(s.log),
			web.WithMaxBodyBytes(cfg.HTTP.MaxBodySize),
			web.WithTimeouts(cfg.HTTP.ReadHeaderTimeout.D(), cfg.HTTP.IdleTimeout.D()),
			web.WithInfo(cfg.HTTP.Title, s.version),
		}
		if s.websocket != nil {
			opts = append(opts, web.WithUpgrader(s.websocket))
		}
		s.web = web.New(s.dispatcher, opts...)
		facades = append(facades, s.web)
	}
	if s.websocket != nil {
		facades = append(facades, s.websocket)
	}
	if cfg.Protocols.EventBus {
		s.bus = eventbus.New(s.dispatcher,
			eventbus.WithLogger(s.log),
			eventbus.WithSeparator(cfg.EventBus.Separator[0]),
		)
		facades = append(facades, s.bus)
	}
	if cfg.Protocols.Binary {
		opts := []binary.Option{
			binary.WithLogger(s.log),
			binary.WithIdleTimeout(cfg.Binary.IdleTimeout.D()),
		}
		if cfg.Binary.MaxPayloadBytes > 0 {
			opts = append(opts, binary.WithLimits(binary.Limits{
				MaxAuthBytes:    binary.DefaultLimits().MaxAuthBytes,
				MaxPayloadBytes: cfg.Binary.MaxPayloadBytes,
			}))
		}
		if cfg.Binary.Secret != "" {
			opts = append(opts, binary.WithSecret([]byte(cfg.Binary.Secret)))
		}
		s.binary = binary.New(s.dispatcher, opts...)
		facades = append(facades, s.binary)
	}
	if cfg.Protocols.MQTT {
		s.mqtt = mqtt.New(s.dispatcher,
			mqtt.WithLogger(s.log),
			mqtt.WithAuth(cfg.MQTT.Auth),
		)
		facades = append(facades, s.mqtt)
	}
	if cfg.Protocols.GRPC {
		opts := []grpc.Option{
			grpc.WithLogger(s.log),
			grpc.WithReflection(cfg.GRPC.Reflection),
			grpc.WithMaxMessageSize(cfg.GRPC.MaxMessageSize),
		}
		if s.web != nil {
			opts = append(opts, grpc.WithFallback(s.web))
		}
		s.grpc = grpc.New(s.dispatcher, opts...)
		facades = append(facades, s.grpc)
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := tls.BuildConfig(cfg.TLSOptions())
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		s.tls = tls.NewFacade(tlsConfig, s.detectors,
			tls.WithLogger(s.log),
			tls.WithHandshakeTimeout(cfg.TLS.HandshakeTimeout.D()),
		)
		facades = append(facades, s.tls)
	}

	for _, h := range facades {
		if err := s.handlers.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Start listens on the configured address and serves connections until
// Stop. Façades are started first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.handlers.StartAll(ctx); err != nil {
		return err
	}
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		_ = s.handlers.StopAll(context.Background(), 0)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	var limiter *ratelimit.Limiter
	if rl, ok := s.cfg.RateLimit(); ok {
		limiter = ratelimit.New(rl)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.serve(serveCtx, ln, limiter)

	s.log.Info("server started",
		"addr", ln.Addr().String(),
		"protocols", s.cfg.Protocols.Enabled(),
		"tls", s.tls != nil,
	)
	return nil
}

// Stop closes the listener, stops the façades within the shutdown timeout
// and closes the remaining connections.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln, cancel := s.listener, s.cancel
	s.mu.Unlock()

	var errs []error
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("listener close: %w", err))
	}
	cancel()

	if err := s.handlers.StopAll(ctx, s.cfg.ShutdownTimeout.D()); err != nil {
		errs = append(errs, err)
	}
	if n := s.conns.CloseAll(); n > 0 {
		s.log.Debug("closed remaining connections", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.log.Info("server stopped", "uptime", time.Since(s.startTime).Round(time.Millisecond).String())
	return errors.Join(errs...)
}

// Addr returns the listener address, or nil when the server is not
// running.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil || !s.running {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the server is serving.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, limiter *ratelimit.Limiter) {
	defer s.wg.Done()
	if limiter != nil {
		defer limiter.Stop()
	}
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			// Resource exhaustion such as EMFILE; back off and retry.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.log.Warn("accept failed", "error", err, "retry", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 0
		if limiter != nil && !limiter.AllowAddr(nc.RemoteAddr()) {
			s.metrics.Refused("rate_limited")
			s.log.Debug("connection rate limited", "remote", nc.RemoteAddr().String())
			_ = nc.Close()
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, nc)
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()
	s.metrics.Accepted()

	c := conn.New(nc,
		conn.WithLogger(s.log),
		conn.WithMaxSwaps(s.cfg.MaxSwaps),
	)
	s.conns.Add(c)
	defer func() { _ = c.Close() }()

	if _, err := s.detectors.Detect(ctx, c); err != nil {
		return
	}
	name := c.Protocol()
	s.metrics.Opened(name)
	defer s.metrics.Closed(name)

	if err := c.Serve(); err != nil && !closedErr(err) {
		c.Logger().Debug("connection ended", "protocol", name, "error", err)
	}
}

func closedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, conn.ErrClosed)
}

func (s *Server) detected(name string, state detect.State, err error) {
	s.metrics.Detected(name, state.String())
}

func (s *Server) dispatched(o dispatch.Outcome) {
	s.metrics.Dispatched(o.Protocol, o.Result, o.Status, o.Duration)
}

// Register adds declarations to the façades named by their protocol facet.
// Declarations without one are HTTP declarations. Nothing is registered
// when a declaration names a protocol that is not enabled.
func (s *Server) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	decls, err := s.collect(seq)
	if err != nil {
		return 0, err
	}
	total := 0
	var errs []error
	for _, r := range s.handlers.Routables() {
		n, err := r.Register(slices.Values(decls))
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.countEndpoints()
	return total, errors.Join(errs...)
}

// Reload replaces the endpoints of every façade with seq. Built-in
// endpoints survive.
func (s *Server) Reload(seq iter.Seq[endpoint.Declaration]) error {
	decls, err := s.collect(seq)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range s.handlers.Routables() {
		if err := r.Reload(slices.Values(decls)); err != nil {
			errs = append(errs, err)
		}
	}
	s.countEndpoints()
	return errors.Join(errs...)
}

// ReloadRoutes replaces every endpoint with the given configured routes.
func (s *Server) ReloadRoutes(rs []routes.Route) error {
	decls, err := routes.Declarations(rs)
	if err != nil {
		return err
	}
	return s.Reload(decls)
}

func (s *Server) collect(seq iter.Seq[endpoint.Declaration]) ([]endpoint.Declaration, error) {
	routables := s.handlers.Routables()
	var decls []endpoint.Declaration
	for d := range seq {
		p := d.Protocol()
		if p == "" {
			p = web.Name
		}
		if _, ok := routables[protocol.Protocol(p)]; !ok {
			return nil, fmt.Errorf("%w: %s (%s.%s %s)", ErrNoFacade, p, d.Type, d.Method, d.Pattern)
		}
		decls = append(decls, d)
	}
	return decls, nil
}

func (s *Server) countEndpoints() {
	for p, r := range s.handlers.Routables() {
		s.metrics.Endpoints(p.String(), r.Endpoints().Len())
	}
}

// Config returns the server configuration.
func (s *Server) Config() *config.ServerConfiguration { return s.cfg }

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Server { return s.metrics }

// Dispatcher returns the shared dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Detectors returns the detector registry.
func (s *Server) Detectors() *detect.Registry { return s.detectors }

// Handlers returns the façade registry.
func (s *Server) Handlers() *protocol.Registry { return s.handlers }

// Connections returns the live connection tracker.
func (s *Server) Connections() *conn.Tracker { return s.conns }

// Web returns the HTTP façade, nil when disabled.
func (s *Server) Web() *web.Facade { return s.web }

// WebSocket returns the WebSocket façade, nil when disabled.
func (s *Server) WebSocket() *websocket.Facade { return s.websocket }

// Bus returns the event bus, nil when disabled.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Binary returns the binary façade, nil when disabled.
func (s *Server) Binary() *binary.Facade { return s.binary }

// MQTT returns the MQTT façade, nil when disabled.
func (s *Server) MQTT() *mqtt.Facade { return s.mqtt }

// GRPC returns the gRPC façade, nil when disabled.
func (s *Server) GRPC() *grpc.Facade { return s.grpc }
