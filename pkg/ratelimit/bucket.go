// Package ratelimit provides token-bucket rate limiting for connection
// admission.
//
// It offers two levels of abstraction:
//   - Bucket: a single token bucket.
//   - Limiter: one bucket per key (usually the client IP) with automatic
//     cleanup of idle entries.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single token bucket rate limiter.
// It is safe for concurrent use.
type Bucket struct {
	tokens     float64
	maxTokens  float64
	rate       float64 // tokens per second
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewBucket creates a new token bucket with the given rate (tokens/second)
// and burst (maximum tokens). The bucket starts full.
func NewBucket(rate float64, burst int) *Bucket {
	maxTokens := float64(burst)
	if maxTokens <= 0 {
		maxTokens = rate
	}
	return &Bucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		rate:       rate,
		lastUpdate: time.Now(),
	}
}

// refill adds tokens based on elapsed time. Caller must hold b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = min(b.tokens+elapsed*b.rate, b.maxTokens)
	b.lastUpdate = now
}

// Allow tries to consume one token. Returns true if a token was available.
func (b *Bucket) Allow() bool {
	return b.allowAt(time.Now())
}

func (b *Bucket) allowAt(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Available returns the current number of tokens (including time-based refill).
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := time.Since(b.lastUpdate).Seconds()
	return min(b.tokens+elapsed*b.rate, b.maxTokens)
}

// idleSince reports whether the bucket was last used before t.
func (b *Bucket) idleSince(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate.Before(t)
}
