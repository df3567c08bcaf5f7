package ratelimit

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucket(t *testing.T) {
	b := NewBucket(1, 2)
	now := time.Now()
	assert.True(t, b.allowAt(now))
	assert.True(t, b.allowAt(now))
	assert.False(t, b.allowAt(now), "burst exhausted")
	assert.True(t, b.allowAt(now.Add(1100*time.Millisecond)), "one token refilled")
}

func TestBucket_ZeroBurstDefaultsToRate(t *testing.T) {
	b := NewBucket(25, 0)
	assert.InDelta(t, 25, b.Available(), 0.5)
}

func TestLimiter_PerKey(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 1})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "keys have separate buckets")
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(Config{Rate: 5})
	defer l.Stop()
	assert.Equal(t, 10, l.Burst())
}

func TestLimiter_AllowAddr(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 1})
	defer l.Stop()

	a := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4000}
	b := &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4001}
	assert.True(t, l.AllowAddr(a))
	assert.False(t, l.AllowAddr(b), "ports share the IP bucket")
}

func TestLimiter_RemoveIdle(t *testing.T) {
	l := New(Config{Rate: 1})
	defer l.Stop()
	l.Allow("a")
	l.removeIdle(time.Now().Add(time.Second))
	assert.Zero(t, l.Len())
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(Config{Rate: 1})
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestLimiter_Concurrent(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 50})
	defer l.Stop()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if l.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "192.0.2.1", HostOf(&net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 80}))
	assert.Equal(t, "::1", HostOf(&net.TCPAddr{IP: net.IPv6loopback, Port: 80}))
	assert.Equal(t, "", HostOf(nil))
	assert.Equal(t, "pipe", HostOf(&net.UnixAddr{Name: "pipe", Net: "unix"}))
}
