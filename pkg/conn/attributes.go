package conn

import (
	"maps"
	"slices"
	"sync"
)

// Attributes is a per-connection key/value bag. Methods are safe on a nil
// receiver, which behaves as an empty bag that ignores writes.
type Attributes struct {
	mu sync.RWMutex
	m  map[string]any
}

func newAttributes() *Attributes {
	return &Attributes{m: make(map[string]any)}
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.m[key]
	return v, ok
}

// GetString returns the value under key if it is a string.
func (a *Attributes) GetString(key string) string {
	v, _ := a.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores value under key.
func (a *Attributes) Set(key string, value any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m == nil {
		a.m = make(map[string]any)
	}
	a.m[key] = value
}

// Delete removes key.
func (a *Attributes) Delete(key string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, key)
}

// Len returns the number of keys.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.m)
}

// Keys returns the sorted keys.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.m))
}

// Snapshot returns a copy of the bag.
func (a *Attributes) Snapshot() map[string]any {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.m)
}

func (a *Attributes) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.m)
}
