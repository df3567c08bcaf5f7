package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/mtls"
	"github.com/getmockd/portmux/pkg/protocol"
)

// Name is the detector and codec name.
const Name = "tls"

// Priority ranks the ClientHello detector above every plaintext protocol.
const Priority = 1000

// DefaultHandshakeTimeout bounds the server handshake.
const DefaultHandshakeTimeout = 10 * time.Second

// Connection attributes set after the handshake.
const (
	AttrServerName = "tls.serverName"
	AttrALPN       = "tls.alpn"
	AttrVersion    = "tls.version"
)

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the façade logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) {
		f.log = logging.Component(log, "tls")
	}
}

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(f *Facade) {
		f.handshakeTimeout = d
	}
}

// Facade terminates TLS. Its codec layers a server stream over the
// connection and classifies the decrypted bytes again with every detector
// except its own.
type Facade struct {
	protocol.Lifecycle

	config           *tls.Config
	detectors        *detect.Registry
	handshakeTimeout time.Duration
	log              *slog.Logger

	handshakes atomic.Int64
	failures   atomic.Int64
}

var (
	_ protocol.Handler    = (*Facade)(nil)
	_ protocol.Detectable = (*Facade)(nil)
)

// NewFacade creates the TLS façade. detectors is the registry decrypted
// streams are classified with.
func NewFacade(config *tls.Config, detectors *detect.Registry, opts ...Option) *Facade {
	f := &Facade{
		config:           config,
		detectors:        detectors,
		handshakeTimeout: DefaultHandshakeTimeout,
		log:              logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) Metadata() protocol.Metadata {
	return protocol.Metadata{
		ID:       Name,
		Name:     "TLS",
		Protocol: protocol.ProtocolTLS,
		Capabilities: []protocol.Capability{
			protocol.CapabilityDetection,
			protocol.CapabilityUpgrade,
		},
		TransportType: protocol.TransportTCP,
	}
}

func (f *Facade) Start(ctx context.Context) error {
	if f.config == nil || (len(f.config.Certificates) == 0 && f.config.GetCertificate == nil) {
		return fmt.Errorf("tls: no server certificate configured")
	}
	return f.MarkStarted()
}

func (f *Facade) Stop(ctx context.Context, timeout time.Duration) error {
	if err := f.MarkStopping(); err != nil {
		return err
	}
	f.MarkStopped()
	return nil
}

func (f *Facade) Health(ctx context.Context) protocol.HealthStatus {
	return f.HealthWith(map[string]int64{
		"handshakes": f.handshakes.Load(),
		"failures":   f.failures.Load(),
	})
}

// SetLogger implements protocol.Loggable.
func (f *Facade) SetLogger(log *slog.Logger) {
	f.log = logging.Component(log, "tls")
}

func (f *Facade) Detectors() []detect.Factory {
	return []detect.Factory{{
		Name:     Name,
		Priority: Priority,
		New:      func() detect.Detector { return &detector{f: f} },
	}}
}

// detector matches a TLS handshake record header: content type 22 and a
// 3.x record version.
type detector struct {
	f *Facade
}

func (d *detector) MinimumBytes() int { return 3 }

func (d *detector) Match(window []byte) detect.Verdict {
	if window[0] == 0x16 && window[1] == 0x03 && window[2] <= 0x04 {
		return detect.Match
	}
	return detect.Reject
}

func (d *detector) Install(*conn.Conn) (conn.Codec, error) {
	return &codec{f: d.f}, nil
}

type codec struct {
	f *Facade
}

func (k *codec) Name() string { return Name }

func (k *codec) Serve(c *conn.Conn) error {
	f := k.f
	if !f.Running() {
		return protocol.ErrNotRunning
	}

	var server *tls.Conn
	if err := c.Layer(func(raw net.Conn) net.Conn {
		server = tls.Server(raw, f.config)
		return server
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context(), f.handshakeTimeout)
	err := server.HandshakeContext(ctx)
	cancel()
	if err != nil {
		f.failures.Add(1)
		f.log.Debug("handshake failed", "conn", c.ID(), "error", err)
		return fmt.Errorf("tls handshake: %w", err)
	}
	f.handshakes.Add(1)

	state := server.ConnectionState()
	if attrs := c.Attributes(); attrs != nil {
		attrs.Set(AttrServerName, state.ServerName)
		attrs.Set(AttrALPN, state.NegotiatedProtocol)
		attrs.Set(AttrVersion, tls.VersionName(state.Version))
		if id := mtls.FromState(state); id != nil {
			attrs.Set(mtls.AttrIdentity, id)
		}
	}

	if _, err := f.detectors.Without(Name).Detect(c.Context(), c); err != nil {
		return err
	}
	return c.Serve()
}
