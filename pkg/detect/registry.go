package detect

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/logging"
)

// Defaults for Detect.
const (
	DefaultWindowCap = 4096
	DefaultTimeout   = 10 * time.Second
)

// Error is a simple error type for detection errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrUnclassified is returned when no detector matched the connection.
	ErrUnclassified = Error("connection could not be classified")

	// ErrInvalidFactory is returned by Register for unusable factories.
	ErrInvalidFactory = Error("invalid detector factory")
)

// Observer is told about every classification outcome.
type Observer func(protocol string, state State, err error)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = logging.Component(log, "detect")
	}
}

// WithWindowCap sets the maximum number of bytes buffered before giving up.
func WithWindowCap(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.windowCap = n
		}
	}
}

// WithTimeout bounds how long Detect waits for conclusive bytes.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

type registered struct {
	Factory
	seq int
}

// Registry holds detector factories ordered by descending priority. Reads
// use an immutable snapshot; Register copies it.
type Registry struct {
	mu         sync.Mutex
	factories  atomic.Pointer[[]registered]
	seq        int
	collisions [][2]string

	windowCap int
	timeout   time.Duration
	observer  Observer
	log       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		windowCap: DefaultWindowCap,
		timeout:   DefaultTimeout,
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := []registered{}
	r.factories.Store(&empty)
	return r
}

// Register adds a factory. Factories with equal priority keep registration
// order, which is a configuration smell: the collision is logged and
// reported by Collisions.
func (r *Registry) Register(f Factory) error {
	if f.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidFactory)
	}
	if f.New == nil {
		return fmt.Errorf("%w: %s: missing constructor", ErrInvalidFactory, f.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.factories.Load()
	for _, e := range cur {
		if e.Name == f.Name {
			return fmt.Errorf("%w: %s already registered", ErrInvalidFactory, f.Name)
		}
		if e.Priority == f.Priority {
			r.collisions = append(r.collisions, [2]string{e.Name, f.Name})
			r.log.Warn("detectors share a priority, registration order decides",
				"first", e.Name,
				"second", f.Name,
				"priority", f.Priority,
			)
		}
	}

	r.seq++
	next := make([]registered, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, registered{Factory: f, seq: r.seq})
	slices.SortStableFunc(next, func(a, b registered) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	r.factories.Store(&next)
	r.log.Debug("detector registered", "name", f.Name, "priority", f.Priority)
	return nil
}

// Factories returns the factories in evaluation order.
func (r *Registry) Factories() []Factory {
	cur := *r.factories.Load()
	out := make([]Factory, len(cur))
	for i, e := range cur {
		out[i] = e.Factory
	}
	return out
}

// Names returns the factory names in evaluation order.
func (r *Registry) Names() []string {
	cur := *r.factories.Load()
	out := make([]string, len(cur))
	for i, e := range cur {
		out[i] = e.Name
	}
	return out
}

// Collisions returns pairs of factories registered with equal priority.
func (r *Registry) Collisions() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.collisions)
}

// Without returns a registry sharing this one's settings minus the named
// factories. TLS uses it to classify the decrypted stream.
func (r *Registry) Without(names ...string) *Registry {
	out := &Registry{
		windowCap: r.windowCap,
		timeout:   r.timeout,
		observer:  r.observer,
		log:       r.log,
	}
	cur := *r.factories.Load()
	next := make([]registered, 0, len(cur))
	for _, e := range cur {
		if !slices.Contains(names, e.Name) {
			next = append(next, e)
		}
	}
	out.seq = r.seq
	out.factories.Store(&next)
	return out
}

// WindowCap returns the byte cap.
func (r *Registry) WindowCap() int { return r.windowCap }

// NewSession instantiates one fresh detector per factory.
func (r *Registry) NewSession() *Session {
	cur := *r.factories.Load()
	s := &Session{
		windowCap: r.windowCap,
		entries:   make([]*entry, 0, len(cur)),
	}
	for _, f := range cur {
		d := f.New()
		s.entries = append(s.entries, &entry{
			name: f.Name,
			d:    d,
			min:  max(d.MinimumBytes(), 1),
		})
	}
	return s
}

// Detect reads from c until the session decides, then replays the sniffed
// bytes and installs the winner's codec exactly once. On failure the
// connection is closed and the failure is logged.
func (r *Registry) Detect(ctx context.Context, c *conn.Conn) (Decision, error) {
	log := c.Logger()
	dec, err := r.detect(ctx, c)
	if r.observer != nil {
		r.observer(dec.Name, dec.State, err)
	}
	if err != nil {
		log.Info("connection classification failed", "error", err, "state", dec.State.String())
		_ = c.Close()
		return dec, err
	}
	log.Debug("connection classified", "protocol", dec.Name)
	return dec, nil
}

func (r *Registry) detect(ctx context.Context, c *conn.Conn) (Decision, error) {
	s := r.NewSession()
	if len(s.entries) == 0 {
		return Decision{State: Rejected}, fmt.Errorf("%w: no detectors registered", ErrUnclassified)
	}

	if err := c.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return Decision{State: Rejected}, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetReadDeadline(time.Now())
	})
	defer stop()

	window := make([]byte, 0, r.windowCap)
	buf := make([]byte, r.windowCap)
	for {
		n, readErr := c.Read(buf[:r.windowCap-len(window)])
		window = append(window, buf[:n]...)

		var dec Decision
		if n > 0 {
			dec = s.Classify(window)
		}
		switch dec.State {
		case Matched:
			_ = c.SetReadDeadline(time.Time{})
			c.Unread(window)
			codec, err := dec.Detector.Install(c)
			if err != nil {
				return dec, fmt.Errorf("install %s: %w", dec.Name, err)
			}
			if err := c.Install(codec); err != nil {
				return dec, fmt.Errorf("install %s: %w", dec.Name, err)
			}
			return dec, nil
		case Rejected:
			return dec, fmt.Errorf("%w after %d bytes", ErrUnclassified, len(window))
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return Decision{State: Rejected}, ctx.Err()
			}
			switch {
			case errors.Is(readErr, io.EOF):
				return Decision{State: Undecided}, fmt.Errorf("%w: peer closed after %d bytes", ErrUnclassified, len(window))
			case errors.Is(readErr, os.ErrDeadlineExceeded):
				return Decision{State: Undecided}, fmt.Errorf("%w: timed out after %d bytes", ErrUnclassified, len(window))
			}
			return Decision{State: Undecided}, fmt.Errorf("%w: %w", ErrUnclassified, readErr)
		}
	}
}
