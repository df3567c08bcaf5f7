// Package conn wraps accepted network connections with the per-connection
// state the server core needs: a replaceable byte stream, a replay buffer for
// bytes consumed during protocol detection, the active codec, a lazily
// created attribute bag and serialized dispatch.
package conn

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/getmockd/portmux/pkg/logging"
)

// DefaultMaxSwaps is how many times a codec stack may be replaced after the
// first install (plaintext to TLS to HTTP to WebSocket).
const DefaultMaxSwaps = 2

// Codec serves a connection in one wire protocol. Serve blocks until the
// connection is done or the codec hands over to another codec.
type Codec interface {
	Name() string
	Serve(c *Conn) error
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) {
		c.log = logging.OrNop(log)
	}
}

// WithMaxSwaps overrides DefaultMaxSwaps.
func WithMaxSwaps(n int) Option {
	return func(c *Conn) {
		c.maxSwaps = n
	}
}

// WithID sets the connection id instead of generating one.
func WithID(id string) Option {
	return func(c *Conn) {
		c.id = id
	}
}

// Conn is one live duplex byte stream with a peer. It implements net.Conn.
type Conn struct {
	id        string
	createdAt time.Time
	log       *slog.Logger

	mu       sync.Mutex
	stream   net.Conn
	replay   []byte
	codec    Codec
	installs int
	maxSwaps int
	attrs    *Attributes
	onClose  []func()

	dispatch sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	pending   sync.WaitGroup

	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	lastActivity atomic.Int64
}

var _ net.Conn = (*Conn)(nil)

// New wraps stream. A nil stream makes a virtual connection that reads EOF
// and discards writes.
func New(stream net.Conn, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		createdAt: time.Now(),
		log:       logging.Nop(),
		stream:    stream,
		maxSwaps:  DefaultMaxSwaps,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	c.log = c.log.With("conn", c.id)
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *slog.Logger { return c.log }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Closed is closed when the connection closes.
func (c *Conn) Closed() <-chan struct{} { return c.ctx.Done() }

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Virtual reports whether the connection has no underlying stream.
func (c *Conn) Virtual() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream == nil
}

// Stream returns the current underlying byte stream.
func (c *Conn) Stream() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Replace swaps the underlying byte stream, e.g. for a TLS server stream
// layered over the original one. Pending replay bytes are kept only when
// keepReplay is set; a TLS stream has already consumed them.
func (c *Conn) Replace(stream net.Conn, keepReplay bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
	if !keepReplay {
		c.replay = nil
	}
	return nil
}

// Layer replaces the stream with wrap(raw), where raw reads the pending
// replay bytes before the current stream. A TLS server stream is layered
// this way over the ClientHello bytes detection sniffed.
func (c *Conn) Layer(wrap func(raw net.Conn) net.Conn) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return ErrVirtual
	}
	raw := c.stream
	if len(c.replay) > 0 {
		raw = &prefixConn{Conn: raw, prefix: c.replay}
	}
	c.replay = nil
	c.stream = wrap(raw)
	return nil
}

// Unread pushes bytes back so the next reads return them before reading the
// stream. Detection uses it to replay the bytes it sniffed.
func (c *Conn) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 0, len(p)+len(c.replay))
	buf = append(buf, p...)
	c.replay = append(buf, c.replay...)
}

// Buffered returns the number of replay bytes not read yet.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replay)
}

// Install makes codec the active codec stack. The first install is free;
// each later one counts against the swap limit.
func (c *Conn) Install(codec Codec) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installs > c.maxSwaps {
		return ErrTooManySwaps
	}
	c.installs++
	c.codec = codec
	c.log.Debug("codec installed", "codec", codec.Name(), "swaps", c.installs-1)
	return nil
}

// Codec returns the active codec, or nil before detection.
func (c *Conn) Codec() Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Protocol returns the active codec name.
func (c *Conn) Protocol() string {
	if codec := c.Codec(); codec != nil {
		return codec.Name()
	}
	return ""
}

// Swaps returns how many times the codec stack was replaced.
func (c *Conn) Swaps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.installs == 0 {
		return 0
	}
	return c.installs - 1
}

// Serve runs the active codec.
func (c *Conn) Serve() error {
	codec := c.Codec()
	if codec == nil {
		return ErrNoCodec
	}
	return codec.Serve(c)
}

// Attributes returns the connection's attribute bag, creating it on first
// use. It returns nil once the connection has closed.
func (c *Conn) Attributes() *Attributes {
	if c.closed.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs == nil {
		c.attrs = newAttributes()
	}
	return c.attrs
}

// HasAttributes reports whether the attribute bag has been created.
func (c *Conn) HasAttributes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attrs != nil
}

// Serialize runs fn while holding the connection's dispatch lock, so no two
// dispatch cycles of one connection overlap. It returns ErrClosed without
// calling fn once the connection has closed.
func (c *Conn) Serialize(fn func() error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	return fn()
}

// Go runs a completion continuation asynchronously. It reports false and
// does nothing when the connection has closed. The context passed to fn is
// cancelled on close.
func (c *Conn) Go(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return false
	}
	c.pending.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pending.Done()
		if c.closed.Load() {
			return
		}
		fn(c.ctx)
	}()
	return true
}

// Wait blocks until all continuations started with Go have returned.
func (c *Conn) Wait() {
	c.pending.Wait()
}

// OnClose registers fn to run when the connection closes. If it has already
// closed, fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close closes the stream, cancels continuations, releases the attribute bag
// and replay buffer and runs close hooks. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		stream := c.stream
		hooks := c.onClose
		c.onClose = nil
		if c.attrs != nil {
			c.attrs.clear()
			c.attrs = nil
		}
		c.replay = nil
		c.mu.Unlock()

		c.cancel()
		if stream != nil {
			c.closeErr = stream.Close()
		}
		for _, fn := range hooks {
			fn()
		}
		c.log.Debug("connection closed",
			"bytesIn", c.bytesIn.Load(),
			"bytesOut", c.bytesOut.Load(),
		)
	})
	return c.closeErr
}

// Read reads replayed bytes first, then from the stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.replay) > 0 {
		n := copy(p, c.replay)
		c.replay = c.replay[n:]
		if len(c.replay) == 0 {
			c.replay = nil
		}
		c.mu.Unlock()
		c.bytesIn.Add(int64(n))
		return n, nil
	}
	stream := c.stream
	c.mu.Unlock()

	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if stream == nil {
		return 0, io.EOF
	}
	n, err := stream.Read(p)
	if n > 0 {
		c.bytesIn.Add(int64(n))
		c.touch()
	}
	return n, err
}

// Write writes to the current stream.
func (c *Conn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	stream := c.Stream()
	if stream == nil {
		c.bytesOut.Add(int64(len(p)))
		return len(p), nil
	}
	n, err := stream.Write(p)
	if n > 0 {
		c.bytesOut.Add(int64(n))
		c.touch()
	}
	return n, err
}

// LocalAddr implements net.Conn.
func (c *Conn) LocalAddr() net.Addr {
	if s := c.Stream(); s != nil {
		return s.LocalAddr()
	}
	return virtualAddr(c.id)
}

// RemoteAddr implements net.Conn.
func (c *Conn) RemoteAddr() net.Addr {
	if s := c.Stream(); s != nil {
		return s.RemoteAddr()
	}
	return virtualAddr(c.id)
}

// SetDeadline implements net.Conn.
func (c *Conn) SetDeadline(t time.Time) error {
	if s := c.Stream(); s != nil {
		return s.SetDeadline(t)
	}
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if s := c.Stream(); s != nil {
		return s.SetReadDeadline(t)
	}
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	if s := c.Stream(); s != nil {
		return s.SetWriteDeadline(t)
	}
	return nil
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Info returns a snapshot of the connection for listings.
func (c *Conn) Info() Info {
	info := Info{
		ID:            c.id,
		RemoteAddr:    c.RemoteAddr().String(),
		Protocol:      c.Protocol(),
		ConnectedAt:   c.createdAt,
		LastActivity:  time.Unix(0, c.lastActivity.Load()),
		BytesSent:     c.bytesOut.Load(),
		BytesReceived: c.bytesIn.Load(),
		Swaps:         c.Swaps(),
	}
	c.mu.Lock()
	attrs := c.attrs
	c.mu.Unlock()
	if attrs.Len() > 0 {
		info.Metadata = attrs.Snapshot()
	}
	return info
}

type prefixConn struct {
	net.Conn
	prefix []byte
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.Conn.Read(b)
}

type virtualAddr string

func (a virtualAddr) Network() string { return "virtual" }
func (a virtualAddr) String() string  { return "virtual:" + string(a) }
