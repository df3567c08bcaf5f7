package mqtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/packets"
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
const Name = "mqtt"

// Priority ranks the CONNECT detector.
const Priority = 800

// GroupPublish is the group of published messages.
const GroupPublish = "PUBLISH"

// ReplySuffix is appended to the topic of requests without a response
// topic.
const ReplySuffix = "/reply"

// FilterPriority ranks the MQTT filter.
const FilterPriority = 100

// Request headers.
const (
	HeaderClientID = "X-Mqtt-Client-Id"
	HeaderQoS      = "X-Mqtt-Qos"
	HeaderRetain   = "X-Mqtt-Retain"
)

// Connection attributes.
const (
	AttrClientID        = "mqtt.clientId"
	AttrProtocolVersion = "mqtt.protocolVersion"
)

const listenerID = "portmux"

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the façade logger. The broker logs through it too.
func WithLogger(log *slog.Logger) Option {
	return func(f *Facade) { f.SetLogger(log) }
}

// WithAuth requires credentials and applies topic ACLs.
func WithAuth(cfg AuthConfig) Option {
	return func(f *Facade) { f.auth = cfg }
}

// Facade is the MQTT façade wrapping an embedded broker.
type Facade struct {
	protocol.Lifecycle

	dispatcher *dispatch.Dispatcher
	set        *endpoint.Set
	log        *slog.Logger
	auth       AuthConfig

	mu      sync.Mutex
	server  *mochi.Server
	replier *mochi.Client

	active     atomic.Int64
	dispatched atomic.Int64
	replies    atomic.Int64
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
		protocol.CapabilityPubSub,
		protocol.CapabilityBidirectional,
	}
	if f.auth.Enabled {
		caps = append(caps, protocol.CapabilityAuth)
	}
	return protocol.Metadata{
		ID:            Name,
		Name:          "MQTT",
		Protocol:      protocol.ProtocolMQTT,
		Capabilities:  caps,
		TransportType: protocol.TransportTCP,
	}
}

// Start creates the broker. Each start gets a fresh broker since a closed
// one cannot be reused.
func (f *Facade) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       f.log,
	})

	var access mochi.Hook = new(auth.AllowHook)
	if f.auth.Enabled {
		access = &authHook{config: f.auth}
	}
	if err := server.AddHook(access, nil); err != nil {
		return fmt.Errorf("mqtt: add auth hook: %w", err)
	}
	if err := server.AddHook(&dispatchHook{f: f}, nil); err != nil {
		return fmt.Errorf("mqtt: add dispatch hook: %w", err)
	}
	if err := f.MarkStarted(); err != nil {
		return err
	}

	f.mu.Lock()
	f.server = server
	f.replier = server.NewClient(nil, "local", "portmux-replier", true)
	f.mu.Unlock()

	go func() {
		if err := server.Serve(); err != nil {
			f.log.Error("mqtt broker stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the broker, disconnecting its clients.
func (f *Facade) Stop(ctx context.Context, timeout time.Duration) error {
	if err := f.MarkStopping(); err != nil {
		return err
	}
	defer f.MarkStopped()

	f.mu.Lock()
	server := f.server
	f.server = nil
	f.replier = nil
	f.mu.Unlock()
	if server == nil {
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- server.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mqtt: close broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mqtt: close broker: %w", ctx.Err())
	}
}

func (f *Facade) Health(ctx context.Context) protocol.HealthStatus {
	return f.HealthWith(map[string]int64{
		"clients":    f.active.Load(),
		"dispatched": f.dispatched.Load(),
		"replies":    f.replies.Load(),
		"endpoints":  int64(f.set.Len()),
	})
}

func (f *Facade) SetLogger(log *slog.Logger) {
	f.log = logging.Component(logging.OrNop(log), "mqtt")
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

// Register adds the mqtt declarations of seq.
func (f *Facade) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	return f.set.Register(filters(endpoint.Filter(seq, Name, "http")))
}

// Reload replaces the endpoints with the mqtt declarations of seq.
func (f *Facade) Reload(seq iter.Seq[endpoint.Declaration]) error {
	return f.set.Reload(filters(endpoint.Filter(seq, Name, "http")))
}

// Publish sends a message to the broker's subscribers.
func (f *Facade) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	server := f.server
	f.mu.Unlock()
	if server == nil {
		return ErrNotRunning
	}
	return server.Publish(topic, payload, retain, qos)
}

// filters rewrites MQTT topic filters into matcher templates.
func filters(seq iter.Seq[endpoint.Declaration]) iter.Seq[endpoint.Declaration] {
	return func(yield func(endpoint.Declaration) bool) {
		for d := range seq {
			d.Pattern = TopicTemplate(d.Pattern)
			if !yield(d) {
				return
			}
		}
	}
}

// TopicTemplate converts an MQTT filter into a matcher template. Other
// templates are returned unchanged.
func TopicTemplate(filter string) string {
	parts := strings.Split(filter, "/")
	changed := false
	for i, p := range parts {
		switch {
		case p == "+":
			parts[i] = "*"
			changed = true
		case p == "#" && i == len(parts)-1:
			parts[i] = "**"
			changed = true
		}
	}
	if !changed {
		return filter
	}
	return strings.Join(parts, "/")
}

type codec struct {
	f *Facade
}

func (k *codec) Name() string { return Name }

// Serve hands the connection to the broker until the client disconnects.
func (k *codec) Serve(c *conn.Conn) error {
	f := k.f
	f.mu.Lock()
	server := f.server
	f.mu.Unlock()
	if server == nil {
		return ErrNotRunning
	}

	f.active.Add(1)
	defer f.active.Add(-1)

	err := server.EstablishConnection(listenerID, c)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, conn.ErrClosed), errors.Is(err, net.ErrClosed):
	default:
		c.Logger().Debug("mqtt client disconnected", "error", err)
	}
	return nil
}

// handlePublish dispatches one client publish. Topics no endpoint serves
// are left to the broker.
func (f *Facade) handlePublish(cl *mochi.Client, pk packets.Packet) {
	req := exchange.NewRequest(Name, GroupPublish, pk.TopicName)
	if _, err := f.dispatcher.Match(req); err != nil {
		return
	}

	req.Body = pk.Payload
	ct := pk.Properties.ContentType
	if ct == "" {
		ct = exchange.CategoryBinary.MediaType()
		if gjson.ValidBytes(pk.Payload) {
			ct = exchange.CategoryJSON.MediaType()
		}
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set(HeaderClientID, cl.ID)
	req.Header.Set(HeaderQoS, strconv.Itoa(int(pk.FixedHeader.Qos)))
	req.Header.Set(HeaderRetain, strconv.FormatBool(pk.FixedHeader.Retain))
	for _, up := range pk.Properties.User {
		req.Header.Add(up.Key, up.Val)
	}
	req.RemoteAddr = cl.Net.Remote

	c, ok := cl.Net.Conn.(*conn.Conn)
	if !ok {
		c = conn.New(nil, conn.WithLogger(f.log))
		defer c.Close()
	}

	f.dispatched.Add(1)
	write := func(resp *exchange.Response) error {
		if resp.Body.Len() == 0 {
			return nil
		}
		return f.reply(pk, resp)
	}
	if err := <-f.dispatcher.Handle(c.Context(), c, req, write, nil); err != nil {
		c.Logger().Debug("mqtt reply not published", "topic", pk.TopicName, "error", err)
	}
}

// reply publishes resp to the request's response topic, carrying its
// correlation data.
func (f *Facade) reply(pk packets.Packet, resp *exchange.Response) error {
	f.mu.Lock()
	server, replier := f.server, f.replier
	f.mu.Unlock()
	if server == nil {
		return ErrNotRunning
	}

	topic := pk.Properties.ResponseTopic
	if topic == "" {
		topic = pk.TopicName + ReplySuffix
	}
	out := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   topic,
		Payload:     bytes.Clone(resp.Bytes()),
		Properties: packets.Properties{
			ContentType:     resp.ContentType(),
			CorrelationData: pk.Properties.CorrelationData,
		},
	}
	if err := server.InjectPacket(replier, out); err != nil {
		return fmt.Errorf("mqtt: publish reply to %s: %w", topic, err)
	}
	f.replies.Add(1)
	return nil
}
