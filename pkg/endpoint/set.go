package endpoint

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/getmockd/portmux/internal/matching"
	"github.com/getmockd/portmux/pkg/logging"
)

// snapshot is an immutable view of a Set.
type snapshot struct {
	groups map[string][]*Endpoint
	keys   map[string]*Endpoint
	order  []*Endpoint
}

func emptySnapshot() *snapshot {
	return &snapshot{
		groups: make(map[string][]*Endpoint),
		keys:   make(map[string]*Endpoint),
	}
}

// with returns a copy of s with ep appended.
func (s *snapshot) with(ep *Endpoint) *snapshot {
	next := &snapshot{
		groups: make(map[string][]*Endpoint, len(s.groups)+1),
		keys:   make(map[string]*Endpoint, len(s.keys)+1),
		order:  make([]*Endpoint, 0, len(s.order)+1),
	}
	for g, eps := range s.groups {
		next.groups[g] = eps
	}
	for k, e := range s.keys {
		next.keys[k] = e
	}
	next.order = append(next.order, s.order...)

	group := slices.Clip(next.groups[ep.group])
	next.groups[ep.group] = append(group, ep)
	next.keys[ep.key] = ep
	next.order = append(next.order, ep)
	return next
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithLogger sets the Set logger.
func WithLogger(log *slog.Logger) SetOption {
	return func(s *Set) {
		s.log = logging.Component(log, "endpoints")
	}
}

// Set holds registered endpoints grouped by discriminator. Reads use an
// immutable snapshot and never lock; writers copy the snapshot.
type Set struct {
	name string
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex
	log  *slog.Logger
}

// NewSet creates an empty set. name appears in logs.
func NewSet(name string, opts ...SetOption) *Set {
	s := &Set{name: name, log: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("set", name)
	s.snap.Store(emptySnapshot())
	return s
}

// Name returns the set name.
func (s *Set) Name() string { return s.name }

// Add registers ep. Registering an identity that is already present is a
// no-op: the first endpoint is kept, a warning is logged and Add reports
// false.
func (s *Set) Add(ep *Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if existing, ok := cur.keys[ep.key]; ok {
		s.log.Warn("duplicate endpoint ignored",
			"key", ep.key,
			"kept", existing.String(),
		)
		return false
	}
	s.snap.Store(cur.with(ep))
	s.log.Debug("endpoint registered", "endpoint", ep.String(), "priority", ep.priority)
	return true
}

// Register processes and adds every declaration. Invalid declarations are
// skipped and reported together; duplicates are not errors.
func (s *Set) Register(seq iter.Seq[Declaration]) (int, error) {
	var (
		added int
		errs  []error
	)
	for d := range seq {
		ep, err := Process(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if s.Add(ep) {
			added++
		}
	}
	return added, errors.Join(errs...)
}

// Reload replaces every endpoint with those built from seq. Nothing changes
// if any declaration is invalid.
func (s *Set) Reload(seq iter.Seq[Declaration]) error {
	next := emptySnapshot()
	var errs []error
	for d := range seq {
		ep, err := Process(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if existing, ok := next.keys[ep.key]; ok {
			s.log.Warn("duplicate endpoint ignored", "key", ep.key, "kept", existing.String())
			continue
		}
		next = next.with(ep)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reload %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.snap.Store(next)
	s.mu.Unlock()
	s.log.Info("endpoints reloaded", "count", len(next.order))
	return nil
}

// Match finds the endpoint for target in group. The group's endpoints are
// tried in registration order and the first match is the group's candidate;
// priority is not consulted within a group. The wildcard group is searched
// the same way, and when both produce a candidate the higher priority wins,
// ties going to the exact group.
func (s *Set) Match(group, target string) (*Endpoint, matching.Bindings, bool) {
	snap := s.snap.Load()
	group = strings.ToUpper(group)

	ep, b, ok := firstMatch(snap.groups[group], target)
	if group == GroupAny {
		return ep, b, ok
	}
	wild, wb, wok := firstMatch(snap.groups[GroupAny], target)
	switch {
	case ok && wok:
		if wild.priority > ep.priority {
			return wild, wb, true
		}
		return ep, b, true
	case wok:
		return wild, wb, true
	}
	return ep, b, ok
}

func firstMatch(eps []*Endpoint, target string) (*Endpoint, matching.Bindings, bool) {
	for _, ep := range eps {
		if b, ok := ep.Match(target); ok {
			return ep, b, true
		}
	}
	return nil, nil, false
}

// Allowed returns the groups with an endpoint matching target, sorted.
func (s *Set) Allowed(target string) []string {
	snap := s.snap.Load()
	var out []string
	for g, eps := range snap.groups {
		if _, _, ok := firstMatch(eps, target); ok {
			out = append(out, g)
		}
	}
	slices.Sort(out)
	return out
}

// Get returns the endpoint with the given identity.
func (s *Set) Get(key string) (*Endpoint, bool) {
	ep, ok := s.snap.Load().keys[key]
	return ep, ok
}

// Groups returns the registered group names, sorted.
func (s *Set) Groups() []string {
	snap := s.snap.Load()
	out := make([]string, 0, len(snap.groups))
	for g := range snap.groups {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// Group returns the endpoints of one group in registration order.
func (s *Set) Group(group string) []*Endpoint {
	return slices.Clone(s.snap.Load().groups[strings.ToUpper(group)])
}

// All returns every endpoint in registration order.
func (s *Set) All() []*Endpoint {
	return slices.Clone(s.snap.Load().order)
}

// Len returns the number of endpoints.
func (s *Set) Len() int {
	return len(s.snap.Load().order)
}
