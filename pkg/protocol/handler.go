package protocol

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/endpoint"
)

// Handler is the base interface every façade implements.
type Handler interface {
	// Metadata returns descriptive information about the façade.
	Metadata() Metadata

	// Start prepares the façade for serving. Façades never listen on their
	// own port; connections arrive through the shared listener.
	Start(ctx context.Context) error

	// Stop shuts the façade down, closing the connections it owns within
	// timeout.
	Stop(ctx context.Context, timeout time.Duration) error

	// Health returns the current health status of the façade.
	Health(ctx context.Context) HealthStatus
}

// Detectable façades contribute connection detectors.
type Detectable interface {
	Detectors() []detect.Factory
}

// Routable façades serve registered endpoints. Register and Reload accept
// only declarations whose protocol facet names the façade.
type Routable interface {
	Endpoints() *endpoint.Set
	Register(seq iter.Seq[endpoint.Declaration]) (int, error)
	Reload(seq iter.Seq[endpoint.Declaration]) error
}

// Loggable façades accept a logger after construction.
type Loggable interface {
	SetLogger(log *slog.Logger)
}

// Metadata provides descriptive information about a façade.
type Metadata struct {
	// ID is the unique identifier within a registry.
	ID string `json:"id"`

	// Name is a human-readable name for display purposes.
	Name string `json:"name,omitempty"`

	Protocol Protocol `json:"protocol"`

	// Capabilities lists the features this façade supports.
	Capabilities []Capability `json:"capabilities"`

	TransportType TransportType `json:"transportType"`
}

// HasCapability returns true if the metadata includes the given capability.
func (m Metadata) HasCapability(c Capability) bool {
	return slices.Contains(m.Capabilities, c)
}

// HealthStatus represents the health of a façade.
type HealthStatus struct {
	Status    HealthState `json:"status"`
	Message   string      `json:"message,omitempty"`
	CheckedAt time.Time   `json:"checkedAt"`

	// Details can include connection counts or endpoint counts.
	Details any `json:"details,omitempty"`
}

// HealthState is the health status enum.
type HealthState string

// HealthState constants for all possible health states.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// String returns the string representation of the health state.
func (h HealthState) String() string {
	return string(h)
}

// Lifecycle tracks the running state of a façade. Façades embed it to get
// Start/Stop bookkeeping and a default Health.
type Lifecycle struct {
	mu        sync.RWMutex
	running   bool
	stopping  bool
	startedAt time.Time
}

// MarkStarted records a start. It fails with ErrAlreadyRunning when the
// façade is running.
func (l *Lifecycle) MarkStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyRunning
	}
	l.running = true
	l.stopping = false
	l.startedAt = time.Now()
	return nil
}

// MarkStopping records the start of a shutdown. It fails with ErrNotRunning
// when the façade is not running.
func (l *Lifecycle) MarkStopping() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return ErrNotRunning
	}
	l.stopping = true
	return nil
}

// MarkStopped records the end of a shutdown.
func (l *Lifecycle) MarkStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.stopping = false
}

// Running reports whether the façade is started and not shutting down.
func (l *Lifecycle) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running && !l.stopping
}

// HealthWith reports healthy while running, with details attached.
func (l *Lifecycle) HealthWith(details any) HealthStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := HealthStatus{CheckedAt: time.Now(), Details: details}
	switch {
	case l.stopping:
		h.Status = HealthDegraded
		h.Message = "shutting down"
	case l.running:
		h.Status = HealthHealthy
	default:
		h.Status = HealthUnhealthy
		h.Message = "not running"
	}
	return h
}
