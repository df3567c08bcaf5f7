package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Default limiter values.
const (
	DefaultCleanupInterval = 1 * time.Minute
	DefaultEntryTTL        = 1 * time.Minute
)

// Config configures a Limiter.
type Config struct {
	Rate            float64       // tokens per second
	Burst           int           // maximum bucket capacity, defaults to 2*Rate
	CleanupInterval time.Duration // how often idle entries are removed
	EntryTTL        time.Duration // how long an entry lives without activity
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	rate     float64
	burst    int
	entryTTL time.Duration

	mu      sync.RWMutex
	buckets map[string]*Bucket

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a limiter and starts its cleanup goroutine. Call Stop when
// the limiter is no longer needed.
func New(cfg Config) *Limiter {
	rate := cfg.Rate
	if rate <= 0 {
		rate = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(int(rate*2), 1)
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}

	l := &Limiter{
		rate:      rate,
		burst:     burst,
		entryTTL:  ttl,
		buckets:   make(map[string]*Bucket),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	go l.cleanup(interval)
	return l
}

// Burst returns the burst size (maximum bucket capacity).
func (l *Limiter) Burst() int {
	return l.burst
}

// Allow consumes a token from the bucket of key.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// AllowAddr consumes a token from the bucket of the IP in addr.
func (l *Limiter) AllowAddr(addr net.Addr) bool {
	return l.Allow(HostOf(addr))
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok = l.buckets[key]; !ok {
		b = NewBucket(l.rate, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.stoppedCh
	})
}

func (l *Limiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(l.stoppedCh)

	for {
		select {
		case <-ticker.C:
			l.removeIdle(time.Now().Add(-l.entryTTL))
		case <-l.stopCh:
			return
		}
	}
}

// removeIdle removes entries not used since cutoff.
func (l *Limiter) removeIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// HostOf returns the IP of addr without the port.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
