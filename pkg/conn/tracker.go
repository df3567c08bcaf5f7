package conn

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Info describes a live connection.
type Info struct {
	// ID is the unique identifier for this connection.
	ID string `json:"id"`

	// RemoteAddr is the peer's network address.
	RemoteAddr string `json:"remoteAddr"`

	// Protocol is the name of the active codec.
	Protocol string `json:"protocol,omitempty"`

	// ConnectedAt is when the connection was accepted.
	ConnectedAt time.Time `json:"connectedAt"`

	// LastActivity is when bytes were last read or written.
	LastActivity time.Time `json:"lastActivity"`

	BytesSent     int64 `json:"bytesSent"`
	BytesReceived int64 `json:"bytesReceived"`

	// Swaps counts codec stack replacements.
	Swaps int `json:"swaps"`

	// Metadata holds the attribute bag contents.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tracker keeps the set of live connections.
type Tracker struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*Conn)}
}

// Add tracks c until it closes.
func (t *Tracker) Add(c *Conn) {
	t.mu.Lock()
	t.conns[c.ID()] = c
	t.mu.Unlock()
	c.OnClose(func() { t.remove(c.ID()) })
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Count returns the number of live connections.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Get returns the connection with id.
func (t *Tracker) Get(id string) (*Conn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// List returns info for every live connection ordered by id.
func (t *Tracker) List() []Info {
	t.mu.RLock()
	conns := slices.Collect(maps.Values(t.conns))
	t.mu.RUnlock()

	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CountByProtocol returns live connection counts keyed by codec name.
func (t *Tracker) CountByProtocol() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int)
	for _, c := range t.conns {
		out[c.Protocol()]++
	}
	return out
}

// CloseAll closes every live connection and returns how many were closed.
func (t *Tracker) CloseAll() int {
	t.mu.RLock()
	conns := slices.Collect(maps.Values(t.conns))
	t.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}
