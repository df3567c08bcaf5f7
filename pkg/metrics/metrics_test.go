package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	t.Run("without labels", func(t *testing.T) {
		r := NewRegistry()
		c := r.NewCounter("test_counter", "A test counter")
		require.NoError(t, c.Inc())
		require.NoError(t, c.Add(3))

		samples := c.Collect()
		require.Len(t, samples, 1)
		assert.Equal(t, 4.0, samples[0].Value)
	})

	t.Run("with labels", func(t *testing.T) {
		r := NewRegistry()
		c := r.NewCounter("requests", "Requests", "protocol", "status")

		vec, err := c.WithLabels("http", "200")
		require.NoError(t, err)
		_ = vec.Inc()
		vec, _ = c.WithLabels("http", "200")
		_ = vec.Inc()
		vec, _ = c.WithLabels("binary", "0")
		_ = vec.Add(5)

		samples := c.Collect()
		require.Len(t, samples, 2)
		// Ordered by label values.
		assert.Equal(t, "binary", samples[0].Labels["protocol"])
		assert.Equal(t, 5.0, samples[0].Value)
		assert.Equal(t, 2.0, samples[1].Value)
	})

	t.Run("wrong label count", func(t *testing.T) {
		c := NewRegistry().NewCounter("test", "test", "a", "b")
		_, err := c.WithLabels("only_one")
		assert.ErrorIs(t, err, ErrLabelCountMismatch)
	})

	t.Run("negative add", func(t *testing.T) {
		c := NewRegistry().NewCounter("test", "test")
		assert.ErrorIs(t, c.Add(-1), ErrNegativeCounterValue)
	})
}

func TestGauge(t *testing.T) {
	g := NewRegistry().NewGauge("active", "Active", "protocol")
	vec, err := g.WithLabels("mqtt")
	require.NoError(t, err)
	vec.Inc()
	vec.Inc()
	vec.Dec()
	assert.Equal(t, 1.0, vec.Value())
	vec.Set(7)
	assert.Equal(t, 7.0, g.Collect()[0].Value)
}

func TestHistogram(t *testing.T) {
	h := NewRegistry().NewHistogram("latency", "Latency", []float64{1, 0.1}, "protocol")
	vec, err := h.WithLabels("http")
	require.NoError(t, err)
	vec.Observe(0.05)
	vec.Observe(0.5)
	vec.Observe(5)

	samples := h.Collect()
	// three buckets (0.1, 1, +Inf) plus sum and count
	require.Len(t, samples, 5)
	assert.Equal(t, "0.1", samples[0].Labels["le"])
	assert.Equal(t, 1.0, samples[0].Value)
	assert.Equal(t, 2.0, samples[1].Value)
	assert.Equal(t, "+Inf", samples[2].Labels["le"])
	assert.Equal(t, 3.0, samples[2].Value)
	assert.Equal(t, "latency_sum", samples[3].Name)
	assert.InDelta(t, 5.55, samples[3].Value, 1e-9)
	assert.EqualValues(t, 3, vec.Count())
}

func TestRegistry_Exposition(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("portmux_test_total", "Test \\ help\nline", "path")
	vec, _ := c.WithLabels(`/a"b`)
	_ = vec.Inc()
	r.NewGauge("empty_gauge", "Never set")

	out := r.Expose()
	assert.Contains(t, out, "# HELP portmux_test_total Test \\\\ help\\nline\n")
	assert.Contains(t, out, "# TYPE portmux_test_total counter\n")
	assert.Contains(t, out, `portmux_test_total{path="/a\"b"} 1`+"\n")
	assert.NotContains(t, out, "empty_gauge", "metrics without samples are omitted")
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.NewCounter("dup", "first")
	assert.Panics(t, func() { r.NewGauge("dup", "second") })
}

func TestRegistry_CollectorsRunOnScrape(t *testing.T) {
	r := NewRegistry()
	g := r.NewGauge("scraped", "Scrapes")
	n := 0
	r.OnCollect(func() {
		n++
		_ = g.Set(float64(n))
	})
	assert.Contains(t, r.Expose(), "scraped 1\n")
	assert.Contains(t, r.Expose(), "scraped 2\n")
}

func TestServerMetrics(t *testing.T) {
	m := NewServer()
	m.Accepted()
	m.Opened("http")
	m.Opened("http")
	m.Closed("http")
	m.Detected("", "rejected")
	m.Detected("mqtt", "matched")
	m.Dispatched("http", "ok", 200, 2*time.Millisecond)
	m.Dispatched("http", "not_acceptable", 406, time.Millisecond)
	m.Endpoints("http", 4)
	m.Refused("rate_limited")

	out := m.Registry.Expose()
	for _, want := range []string{
		"portmux_connections_accepted_total 1\n",
		`portmux_active_connections{protocol="http"} 1`,
		`portmux_detections_total{outcome="rejected",protocol="unknown"} 1`,
		`portmux_detections_total{outcome="matched",protocol="mqtt"} 1`,
		`portmux_dispatch_total{outcome="ok",protocol="http",status="200"} 1`,
		`portmux_chain_exhausted_total{protocol="http"} 1`,
		`portmux_dispatch_duration_seconds_count{protocol="http"} 2`,
		`portmux_endpoints{protocol="http"} 4`,
		`portmux_connections_refused_total{reason="rate_limited"} 1`,
		"go_goroutines ",
		"portmux_uptime_seconds ",
	} {
		assert.Contains(t, out, want)
	}
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "1", formatFloat(1))
	assert.Equal(t, "0.25", formatFloat(0.25))
	assert.Equal(t, "-3", formatFloat(-3))
	assert.Equal(t, "1e+20", formatFloat(1e20))
}

func TestConcurrency(t *testing.T) {
	r := NewRegistry()
	c := r.NewCounter("concurrent", "c", "protocol")
	h := r.NewHistogram("concurrent_seconds", "h", DefaultBuckets, "protocol")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := []string{"http", "mqtt"}[i%2]
			for range 100 {
				vec, _ := c.WithLabels(p)
				_ = vec.Inc()
				hv, _ := h.WithLabels(p)
				hv.Observe(0.01)
				_ = r.Expose()
			}
		}()
	}
	wg.Wait()

	total := 0.0
	for _, s := range c.Collect() {
		total += s.Value
	}
	assert.Equal(t, 800.0, total)
	assert.True(t, strings.Contains(r.Expose(), `concurrent{protocol="http"} 400`))
}
