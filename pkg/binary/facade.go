// Package binary is the façade of portmux's own framed protocol. Frames
// start with the magic "PMUX" and carry a uint16-prefixed topic followed by
// the body. Requests are dispatched by topic and answered with a frame that
// echoes the message id.
package binary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/protocol"
)

// Name is the detector, codec and protocol name.
const Name = "binary"

// Priority ranks the magic-number detector above text protocols.
const Priority = 900

// Groups by message type.
const (
	GroupRequest = "REQUEST"
	GroupEvent   = "EVENT"
)

// Request headers.
const (
	HeaderMessageID   = "X-Message-Id"
	HeaderAuthSubject = "X-Auth-Subject"
)

// AttrSubject is the connection attribute holding the last authenticated
// subject.
const AttrSubject = "binary.subject"

// FilterPriority ranks the binary filter.
const FilterPriority = 100

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the façade logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) { f.SetLogger(log) }
}

// WithLimits bounds frame sizes.
func WithLimits(l Limits) Option {
	return func(f *Facade) { f.limits = l }
}

// WithSecret requires every frame to carry an HS256 JWT signed with secret
// in its auth bytes.
func WithSecret(secret []byte) Option {
	return func(f *Facade) { f.secret = secret }
}

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(f *Facade) { f.idleTimeout = d }
}

// Facade is the binary protocol façade.
type Facade struct {
	protocol.Lifecycle

	dispatcher  *dispatch.Dispatcher
	set         *endpoint.Set
	log         *slog.Logger
	limits      Limits
	secret      []byte
	idleTimeout time.Duration

	active   atomic.Int64
	frames   atomic.Int64
	rejected atomic.Int64
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
		limits:     DefaultLimits(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.set = endpoint.NewSet(Name, endpoint.WithLogger(f.log))
	d.AddFilter(dispatch.NewSetFilter(Name, FilterPriority, f.set))
	return f
}

func (f *Facade) Metadata() protocol.Metadata {
	caps := []protocol.Capability{
		protocol.CapabilityDetection,
		protocol.CapabilityRouting,
		protocol.CapabilityBidirectional,
	}
	if len(f.secret) > 0 {
		caps = append(caps, protocol.CapabilityAuth)
	}
	return protocol.Metadata{
		ID:            Name,
		Name:          "PMUX binary",
		Protocol:      protocol.ProtocolBinary,
		Capabilities:  caps,
		TransportType: protocol.TransportTCP,
	}
}

func (f *Facade) Start(ctx context.Context) error { return f.MarkStarted() }

// Stop refuses new frames. Open connections end with the server's
// connections.
func (f *Facade) Stop(ctx context.Context, timeout time.Duration) error {
	if err := f.MarkStopping(); err != nil {
		return err
	}
	f.MarkStopped()
	return nil
}

func (f *Facade) Health(ctx context.Context) protocol.HealthStatus {
	return f.HealthWith(map[string]int64{
		"connections": f.active.Load(),
		"frames":      f.frames.Load(),
		"rejected":    f.rejected.Load(),
		"endpoints":   int64(f.set.Len()),
	})
}

func (f *Facade) SetLogger(log *slog.Logger) {
	f.log = logging.Component(logging.OrNop(log), "binary")
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

// Register adds the binary declarations of seq.
func (f *Facade) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	return f.set.Register(endpoint.Filter(seq, Name, "http"))
}

// Reload replaces the endpoints with the binary declarations of seq.
func (f *Facade) Reload(seq iter.Seq[endpoint.Declaration]) error {
	return f.set.Reload(endpoint.Filter(seq, Name, "http"))
}

type detector struct {
	f *Facade
}

var magicBytes = []byte("PMUX")

// MinimumBytes covers the magic and the version.
func (d *detector) MinimumBytes() int { return 6 }

func (d *detector) Match(window []byte) detect.Verdict {
	if !bytes.HasPrefix(window, magicBytes) {
		return detect.Reject
	}
	if len(window) < 6 {
		return detect.NeedMore
	}
	if uint16(window[4])<<8|uint16(window[5]) != Version {
		return detect.Reject
	}
	return detect.Match
}

func (d *detector) Install(*conn.Conn) (conn.Codec, error) {
	return &codec{f: d.f}, nil
}

type codec struct {
	f *Facade
}

func (k *codec) Name() string { return Name }

// Serve reads frames until the peer hangs up. Malformed frames end the
// connection; failed requests are answered with error frames.
func (k *codec) Serve(c *conn.Conn) error {
	f := k.f
	f.active.Add(1)
	defer f.active.Add(-1)

	for {
		if f.idleTimeout > 0 {
			_ = c.SetReadDeadline(time.Now().Add(f.idleTimeout))
		}
		fr, err := ReadFrame(c, f.limits)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, conn.ErrClosed), errors.Is(err, net.ErrClosed):
				return nil
			case errors.As(err, &ne) && ne.Timeout():
				c.Logger().Debug("binary connection idle")
				return nil
			}
			return fmt.Errorf("binary: read frame: %w", err)
		}
		f.frames.Add(1)
		if !f.Running() {
			f.reject(c, fr.Header, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return nil
		}
		if err := k.handle(c, fr); err != nil {
			return err
		}
	}
}

func (k *codec) handle(c *conn.Conn, fr Frame) error {
	f := k.f
	h := fr.Header

	if h.MessageType == TypePing {
		return f.write(c, Frame{Header: Header{MessageID: h.MessageID, MessageType: TypePing, Flags: FlagIsResponse}})
	}

	subject, err := f.authenticate(fr)
	if err != nil {
		c.Logger().Debug("binary frame rejected", "message", h.MessageID, "error", err)
		return f.reject(c, h, http.StatusUnauthorized, "unauthorized", err.Error())
	}

	topic, body, err := DecodePayload(fr.Payload)
	if err != nil {
		return f.reject(c, h, http.StatusBadRequest, "bad_frame", err.Error())
	}

	group := GroupRequest
	if h.MessageType == TypeEvent {
		group = GroupEvent
	}
	req := exchange.NewRequest(Name, group, topic)
	req.Body = body
	req.Header.Set(HeaderMessageID, strconv.FormatUint(h.MessageID, 10))
	if gjson.ValidBytes(body) {
		req.Header.Set("Content-Type", exchange.CategoryJSON.MediaType())
	} else {
		req.Header.Set("Content-Type", exchange.CategoryBinary.MediaType())
	}
	if subject != "" {
		req.Header.Set(HeaderAuthSubject, subject)
		if attrs := c.Attributes(); attrs != nil {
			attrs.Set(AttrSubject, subject)
		}
	}
	req.RemoteAddr = c.RemoteAddr().String()

	write := func(resp *exchange.Response) error {
		if h.MessageType == TypeEvent {
			return nil
		}
		return f.respond(c, h, topic, resp.Status, resp.Bytes())
	}
	if err := <-f.dispatcher.Handle(c.Context(), c, req, write, nil); err != nil {
		if errors.Is(err, conn.ErrClosed) {
			return nil
		}
		return fmt.Errorf("binary: reply to %d: %w", h.MessageID, err)
	}
	return nil
}

// authenticate verifies the frame's token when a secret is configured and
// returns its subject.
func (f *Facade) authenticate(fr Frame) (string, error) {
	if len(f.secret) == 0 {
		return "", nil
	}
	if len(fr.Auth) == 0 {
		return "", errors.New("missing token")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(string(fr.Auth), claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return f.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

// respond writes a response frame echoing the request's id and topic.
func (f *Facade) respond(c *conn.Conn, h Header, topic string, status int, body []byte) error {
	flags := FlagIsResponse
	if status >= http.StatusBadRequest {
		flags |= FlagIsError
	}
	payload, err := EncodePayload(topic, body)
	if err != nil {
		return err
	}
	return f.write(c, Frame{
		Header:  Header{MessageID: h.MessageID, MessageType: h.MessageType, Flags: flags},
		Payload: payload,
	})
}

func (f *Facade) reject(c *conn.Conn, h Header, status int, code, message string) error {
	f.rejected.Add(1)
	e := &exchange.Error{Status: status, Code: code, Message: message}
	body, err := json.Marshal(e.Problem())
	if err != nil {
		return err
	}
	return f.respond(c, h, "", status, body)
}

func (f *Facade) write(c *conn.Conn, fr Frame) error {
	if err := WriteFrame(c, fr, f.limits); err != nil {
		return fmt.Errorf("binary: write frame: %w", err)
	}
	return nil
}
