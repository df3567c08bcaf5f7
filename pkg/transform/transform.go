// Package transform renders handler results into reply bytes.
//
// A Chain holds transformers in priority order. For every response it takes
// a snapshot, asks each transformer's CanHandle top-down and lets the first
// match Render. A transformer may delegate to the transformers after it
// through the Remaining list it receives, which never contains itself.
// A failed render is rolled back and the next candidate is tried; running out
// of candidates is the only hard failure (ErrNotAcceptable).
package transform

import (
	"cmp"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/getmockd/portmux/pkg/exchange"
	"github.com/getmockd/portmux/pkg/logging"
)

// Error is a simple error type for transformer errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// ErrNotAcceptable is returned when no transformer can render a value.
const ErrNotAcceptable = Error("no transformer can render the value")

// Transformer renders values of some shape into a response.
type Transformer interface {
	// Priority orders transformers, highest first.
	Priority() int

	// CanHandle reports whether Render would accept v in this context.
	CanHandle(v any, ctx *Context) bool

	// Render writes v into ctx.Response. next holds the remaining
	// transformers without the receiver.
	Render(v any, ctx *Context, next Remaining) error

	// Instance returns the transformer used for one response. Stateless
	// transformers return themselves.
	Instance() Transformer
}

// Context carries what a transformer needs besides the value.
type Context struct {
	Request  *exchange.Request
	Response *exchange.Response

	// Accept is the negotiated category list. Nil means no negotiation
	// data was sent; an empty non-nil list accepts nothing.
	Accept []exchange.Category

	// Protocol is the name of the façade serving the request.
	Protocol string

	Log *slog.Logger

	current Transformer
}

// Accepts reports whether the context allows category c.
func (ctx *Context) Accepts(c exchange.Category) bool {
	return exchange.Accepts(ctx.Accept, c)
}

// Explicit reports whether c was asked for by name, not through a wildcard
// or missing negotiation data.
func (ctx *Context) Explicit(c exchange.Category) bool {
	return slices.Contains(ctx.Accept, c)
}

func (ctx *Context) log() *slog.Logger {
	return logging.OrNop(ctx.Log)
}

// Remaining is an ordered transformer list handed to Render.
type Remaining []Transformer

// Resolve renders v with the first transformer in r that can handle it.
func (r Remaining) Resolve(v any, ctx *Context) error {
	return resolve(r, v, ctx)
}

func resolve(list []Transformer, v any, ctx *Context) error {
	if ctx.Response == nil {
		ctx.Response = exchange.NewResponse()
	}
	caller := ctx.current
	defer func() { ctx.current = caller }()

	for i, t := range list {
		if same(t, caller) || !t.CanHandle(v, ctx) {
			continue
		}
		mark := ctx.Response.Mark()
		ctx.current = t
		err := t.Render(v, ctx, without(list, i))
		ctx.current = caller
		if err == nil {
			if ctx.Response.Renderer == "" {
				ctx.Response.Renderer = Name(t)
			}
			return nil
		}
		ctx.Response.Rollback(mark)
		ctx.log().Warn("transformer failed to render, trying next",
			"transformer", Name(t),
			"value", fmt.Sprintf("%T", v),
			"error", err,
		)
	}
	return ErrNotAcceptable
}

func without(list []Transformer, i int) Remaining {
	out := make(Remaining, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

// same compares transformers without panicking on uncomparable types.
func same(a, b Transformer) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// Name returns a short display name for t.
func Name(t Transformer) string {
	n := fmt.Sprintf("%T", t)
	n = strings.TrimPrefix(n, "*")
	if _, after, ok := strings.Cut(n, "."); ok {
		return after
	}
	return n
}

type registered struct {
	t   Transformer
	seq int
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithLogger sets the logger used when a context has none.
func WithLogger(log *slog.Logger) ChainOption {
	return func(c *Chain) {
		c.log = logging.Component(log, "transform")
	}
}

// Chain is the registered transformer set. Add copies the snapshot;
// Resolve only reads it.
type Chain struct {
	mu   sync.Mutex
	list atomic.Pointer[[]registered]
	seq  int
	log  *slog.Logger
}

// NewChain creates a chain holding ts.
func NewChain(ts []Transformer, opts ...ChainOption) *Chain {
	c := &Chain{log: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	empty := []registered{}
	c.list.Store(&empty)
	for _, t := range ts {
		c.Add(t)
	}
	return c
}

// Add registers t. Equal priorities keep registration order.
func (c *Chain) Add(t Transformer) {
	if t == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.list.Load()
	c.seq++
	next := make([]registered, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, registered{t: t, seq: c.seq})
	slices.SortStableFunc(next, func(a, b registered) int {
		if d := cmp.Compare(b.t.Priority(), a.t.Priority()); d != 0 {
			return d
		}
		return cmp.Compare(a.seq, b.seq)
	})
	c.list.Store(&next)
}

// Transformers returns the registered transformers in evaluation order.
func (c *Chain) Transformers() []Transformer {
	cur := *c.list.Load()
	out := make([]Transformer, len(cur))
	for i, r := range cur {
		out[i] = r.t
	}
	return out
}

// Len returns the number of registered transformers.
func (c *Chain) Len() int {
	return len(*c.list.Load())
}

// Resolve renders v into ctx.Response. Each call works on fresh instances
// of the current snapshot. A transformer re-entering the full chain is
// skipped.
func (c *Chain) Resolve(v any, ctx *Context) error {
	if ctx.Log == nil {
		ctx.Log = c.log
	}
	cur := *c.list.Load()
	list := make([]Transformer, len(cur))
	for i, r := range cur {
		list[i] = r.t.Instance()
	}
	return resolve(list, v, ctx)
}
