// Package eventbus is the in-process publish façade. Topics published on a
// Bus are dispatched to endpoints of group PUBLISH over a virtual local
// connection, one publish at a time.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/logging"
	"github.com/getmockd/portmux/pkg/protocol"
)

// Name is the protocol name.
const Name = "eventbus"

// GroupPublish is the group of published messages.
const GroupPublish = "PUBLISH"

// FilterPriority ranks the bus filter.
const FilterPriority = 100

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) { b.SetLogger(log) }
}

// WithSeparator sets the topic level separator, '/' by default. MQTT style
// buses keep '/', others often use '.'.
func WithSeparator(sep byte) Option {
	return func(b *Bus) { b.sep = sep }
}

// Message is a published topic and its reply.
type Message struct {
	ID     string
	Topic  string
	Header http.Header
	Body   []byte

	// Status and Reply are set once the message was dispatched.
	Status int
	Reply  []byte
	At     time.Time
}

// Bus is the event bus façade.
type Bus struct {
	protocol.Lifecycle

	dispatcher *dispatch.Dispatcher
	set        *endpoint.Set
	log        *slog.Logger
	sep        byte

	mu     sync.Mutex
	conn   *conn.Conn
	subs   []*subscription
	nextID int
}

type subscription struct {
	id      int
	matcher *matching.Matcher
	fn      func(Message)
}

var (
	_ protocol.Handler  = (*Bus)(nil)
	_ protocol.Routable = (*Bus)(nil)
	_ protocol.Loggable = (*Bus)(nil)
)

// New creates a bus and registers its resource filter with d.
func New(d *dispatch.Dispatcher, opts ...Option) *Bus {
	b := &Bus{
		dispatcher: d,
		log:        logging.Nop(),
		sep:        '/',
	}
	for _, opt := range opts {
		opt(b)
	}
	b.set = endpoint.NewSet(Name, endpoint.WithLogger(b.log))
	d.AddFilter(dispatch.NewSetFilter(Name, FilterPriority, b.set))
	return b
}

func (b *Bus) Metadata() protocol.Metadata {
	return protocol.Metadata{
		ID:       Name,
		Name:     "Event Bus",
		Protocol: protocol.ProtocolEventBus,
		Capabilities: []protocol.Capability{
			protocol.CapabilityRouting,
			protocol.CapabilityPubSub,
			protocol.CapabilityVirtual,
		},
		TransportType: protocol.TransportLocal,
	}
}

// Start opens the bus connection.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.MarkStarted(); err != nil {
		return err
	}
	c := conn.New(nil, conn.WithLogger(b.log), conn.WithID("eventbus-"+uuid.NewString()))
	if err := c.Install(busCodec{}); err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = c
	b.mu.Unlock()
	return nil
}

// Stop closes the bus connection once in-flight publishes finished, or
// after timeout.
func (b *Bus) Stop(ctx context.Context, timeout time.Duration) error {
	if err := b.MarkStopping(); err != nil {
		return err
	}
	defer b.MarkStopped()

	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c == nil {
		return nil
	}

	idle := make(chan struct{})
	go func() {
		_ = c.Serialize(func() error { return nil })
		close(idle)
	}()
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-idle:
	case <-timer:
		b.log.Warn("closing bus with publishes in flight")
	case <-ctx.Done():
	}
	return c.Close()
}

func (b *Bus) Health(ctx context.Context) protocol.HealthStatus {
	b.mu.Lock()
	subs := len(b.subs)
	b.mu.Unlock()
	return b.HealthWith(map[string]int{
		"endpoints":     b.set.Len(),
		"subscriptions": subs,
	})
}

func (b *Bus) SetLogger(log *slog.Logger) {
	b.log = logging.Component(logging.OrNop(log), "eventbus")
}

// Endpoints returns the bus endpoint set.
func (b *Bus) Endpoints() *endpoint.Set { return b.set }

// Register adds the eventbus declarations of seq.
func (b *Bus) Register(seq iter.Seq[endpoint.Declaration]) (int, error) {
	return b.set.Register(b.topics(seq))
}

// Reload replaces the endpoints with the eventbus declarations of seq.
func (b *Bus) Reload(seq iter.Seq[endpoint.Declaration]) error {
	return b.set.Reload(b.topics(seq))
}

// topics keeps the bus declarations and applies the topic separator.
func (b *Bus) topics(seq iter.Seq[endpoint.Declaration]) iter.Seq[endpoint.Declaration] {
	return func(yield func(endpoint.Declaration) bool) {
		for d := range endpoint.Filter(seq, Name, "http") {
			if b.sep != '/' {
				d.MatchOptions = append(slices.Clone(d.MatchOptions), matching.WithSeparator(b.sep))
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Subscribe calls fn with every dispatched message whose topic matches
// pattern. The returned function removes the subscription.
func (b *Bus) Subscribe(pattern string, fn func(Message)) (func(), error) {
	m, err := matching.Compile(pattern, matching.WithSeparator(b.sep))
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, matcher: m, fn: fn}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == sub.id })
		b.mu.Unlock()
	}, nil
}

// Publish dispatches payload to the endpoint matching topic and waits for
// the reply. Payloads that are not bytes or strings are encoded as JSON.
// Routing failures are not errors: they come back as the reply status.
// If ctx ends while the publish waits behind others, Publish returns ctx's
// error and the endpoint is not invoked.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) (Message, error) {
	b.mu.Lock()
	c := b.conn
	b.mu.Unlock()
	if c == nil {
		return Message{}, ErrNotRunning
	}

	body, contentType, err := encode(payload)
	if err != nil {
		return Message{}, err
	}

	req := exchange.NewRequest(Name, GroupPublish, topic)
	req.Body = body
	req.Header.Set("Content-Type", contentType)
	msg := Message{ID: req.ID, Topic: topic, Header: req.Header, Body: body}

	write := func(resp *exchange.Response) error {
		msg.Status = resp.Status
		msg.Reply = append([]byte(nil), resp.Bytes()...)
		return nil
	}
	// Handle blocks until the connection's turn comes.
	result := make(chan error, 1)
	go func() {
		result <- <-b.dispatcher.Handle(ctx, c, req, write, nil)
	}()
	select {
	case err = <-result:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	if err != nil {
		return Message{}, fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}
	msg.At = time.Now()
	b.notify(msg)
	return msg, nil
}

// PublishAsync publishes in the background and delivers the result on the
// returned channel.
func (b *Bus) PublishAsync(ctx context.Context, topic string, payload any) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		msg, err := b.Publish(ctx, topic, payload)
		out <- Result{Message: msg, Err: err}
	}()
	return out
}

// Result is the outcome of an asynchronous publish.
type Result struct {
	Message Message
	Err     error
}

func (b *Bus) notify(msg Message) {
	b.mu.Lock()
	subs := slices.Clone(b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		if s.matcher.Matches(msg.Topic) {
			s.fn(msg)
		}
	}
}

func encode(payload any) ([]byte, string, error) {
	switch v := payload.(type) {
	case nil:
		return nil, exchange.CategoryText.MediaType(), nil
	case []byte:
		return v, exchange.CategoryBinary.MediaType(), nil
	case string:
		return []byte(v), exchange.CategoryText.MediaType(), nil
	case json.RawMessage:
		return v, exchange.CategoryJSON.MediaType(), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("eventbus: encode payload: %w", err)
	}
	return data, exchange.CategoryJSON.MediaType(), nil
}

// busCodec names the bus connection. It has no stream to serve.
type busCodec struct{}

func (busCodec) Name() string { return Name }

func (busCodec) Serve(c *conn.Conn) error {
	<-c.Closed()
	return nil
}
