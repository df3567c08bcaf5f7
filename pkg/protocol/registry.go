package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/portmux/pkg/detect"
)

// Registry manages façades and their lifecycles. Façades are kept in
// registration order, which is also the start order; they stop in reverse.
// It is thread-safe and can be used concurrently.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]Handler
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a façade to the registry.
// Returns an error if a façade with the same ID already exists.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	meta := h.Metadata()
	if meta.ID == "" {
		return ErrEmptyHandlerID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[meta.ID]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, meta.ID)
	}

	r.handlers[meta.ID] = h
	r.order = append(r.order, meta.ID)
	return nil
}

// Unregister removes a façade from the registry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[id]; !exists {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, id)
	}

	delete(r.handlers, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return nil
}

// Get returns a façade by ID.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[id]
	return h, exists
}

// List returns all façades in registration order.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]Handler, 0, len(r.order))
	for _, id := range r.order {
		handlers = append(handlers, r.handlers[id])
	}
	return handlers
}

// ListByProtocol returns all façades of a specific protocol.
func (r *Registry) ListByProtocol(proto Protocol) []Handler {
	var handlers []Handler
	for _, h := range r.List() {
		if h.Metadata().Protocol == proto {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// ListByCapability returns all façades that have a specific capability.
func (r *Registry) ListByCapability(c Capability) []Handler {
	var handlers []Handler
	for _, h := range r.List() {
		if h.Metadata().HasCapability(c) {
			handlers = append(handlers, h)
		}
	}
	return handlers
}

// Count returns the number of registered façades.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Detectors returns the detector factories of every Detectable façade.
func (r *Registry) Detectors() []detect.Factory {
	var out []detect.Factory
	for _, h := range r.List() {
		if d, ok := h.(Detectable); ok {
			out = append(out, d.Detectors()...)
		}
	}
	return out
}

// Routables returns every Routable façade keyed by protocol.
func (r *Registry) Routables() map[Protocol]Routable {
	out := make(map[Protocol]Routable)
	for _, h := range r.List() {
		if rt, ok := h.(Routable); ok {
			out[h.Metadata().Protocol] = rt
		}
	}
	return out
}

// StartAll starts façades in registration order. When one fails, the ones
// already started are stopped again and the error is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	handlers := r.List()
	for i, h := range handlers {
		if err := h.Start(ctx); err != nil {
			for _, started := range slices.Backward(handlers[:i]) {
				_ = started.Stop(ctx, 0)
			}
			return fmt.Errorf("failed to start handler %s: %w", h.Metadata().ID, err)
		}
	}
	return nil
}

// StopAll stops façades in reverse registration order and returns every
// failure joined.
func (r *Registry) StopAll(ctx context.Context, timeout time.Duration) error {
	var errs []error
	for _, h := range slices.Backward(r.List()) {
		if err := h.Stop(ctx, timeout); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, fmt.Errorf("failed to stop handler %s: %w", h.Metadata().ID, err))
		}
	}
	return errors.Join(errs...)
}

// HealthAll returns the health status of all façades keyed by ID.
func (r *Registry) HealthAll(ctx context.Context) map[string]HealthStatus {
	handlers := r.List()
	results := make(map[string]HealthStatus, len(handlers))
	for _, h := range handlers {
		results[h.Metadata().ID] = h.Health(ctx)
	}
	return results
}

// ForEach calls fn for each façade in registration order.
// Return false from fn to stop iteration.
func (r *Registry) ForEach(fn func(Handler) bool) {
	for _, h := range r.List() {
		if !fn(h) {
			return
		}
	}
}

// SetLoggerAll sets the logger on all Loggable façades.
func (r *Registry) SetLoggerAll(log *slog.Logger) {
	for _, h := range r.List() {
		if l, ok := h.(Loggable); ok {
			l.SetLogger(log)
		}
	}
}
