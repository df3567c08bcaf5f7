package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ContentType is the media type of the text exposition format.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// ErrLabelCountMismatch is returned when the number of label values doesn't match the defined labels.
var ErrLabelCountMismatch = errors.New("label count mismatch")

// ErrNegativeCounterValue is returned when attempting to add a negative value to a counter.
var ErrNegativeCounterValue = errors.New("counter cannot be decreased")

// ErrDuplicateMetric is returned when registering a metric with a name that is already registered.
var ErrDuplicateMetric = errors.New("duplicate metric name")

// atomicFloat64 stores float64 bits in a uint64 for atomic access.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat64) Store(val float64) {
	a.bits.Store(math.Float64bits(val))
}

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		if a.bits.CompareAndSwap(old, math.Float64bits(math.Float64frombits(old)+delta)) {
			return
		}
	}
}

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the interface implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples, ordered by label values.
	Collect() []Sample
}

// Sample represents a single metric sample with labels.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// family holds one child per label value combination.
type family[V any] struct {
	name       string
	help       string
	labelNames []string
	newChild   func(labels map[string]string) *V

	mu       sync.RWMutex
	children map[string]*V
	keys     []string
}

func (f *family[V]) child(kind string, values []string) (*V, error) {
	if len(values) != len(f.labelNames) {
		return nil, fmt.Errorf("%w: %s %s expected %d labels, got %d",
			ErrLabelCountMismatch, kind, f.name, len(f.labelNames), len(values))
	}
	key := strings.Join(values, "\x00")

	f.mu.RLock()
	v, ok := f.children[key]
	f.mu.RUnlock()
	if ok {
		return v, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok = f.children[key]; ok {
		return v, nil
	}
	labels := make(map[string]string, len(f.labelNames))
	for i, n := range f.labelNames {
		labels[n] = values[i]
	}
	v = f.newChild(labels)
	if f.children == nil {
		f.children = make(map[string]*V)
	}
	f.children[key] = v
	i, _ := slices.BinarySearch(f.keys, key)
	f.keys = slices.Insert(f.keys, i, key)
	return v, nil
}

// each visits children in label order.
func (f *family[V]) each(fn func(*V)) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, k := range f.keys {
		fn(f.children[k])
	}
}

func (f *family[V]) Name() string { return f.name }
func (f *family[V]) Help() string { return f.help }

// ============================================================================
// Counter
// ============================================================================

// Counter is a monotonically increasing metric.
type Counter struct {
	family[CounterVec]
}

// CounterVec is a counter for one label combination.
type CounterVec struct {
	labels map[string]string
	value  atomicFloat64
}

func newCounter(name, help string, labelNames []string) *Counter {
	return &Counter{family[CounterVec]{
		name:       name,
		help:       help,
		labelNames: labelNames,
		newChild:   func(l map[string]string) *CounterVec { return &CounterVec{labels: l} },
	}}
}

// Type returns the metric type.
func (c *Counter) Type() MetricType { return MetricTypeCounter }

// WithLabels returns the counter for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	return c.child("counter", values)
}

// Inc increments an unlabeled counter by 1.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabeled counter.
func (c *Counter) Add(delta float64) error {
	vec, err := c.WithLabels()
	if err != nil {
		return err
	}
	if err := vec.Add(delta); err != nil {
		return fmt.Errorf("%w: counter %s", err, c.name)
	}
	return nil
}

// Collect returns all metric samples.
func (c *Counter) Collect() []Sample {
	var out []Sample
	c.each(func(v *CounterVec) {
		out = append(out, Sample{Name: c.name, Labels: v.labels, Value: v.value.Load()})
	})
	return out
}

// Inc increments the counter by 1.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta, which must not be negative.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return ErrNegativeCounterValue
	}
	v.value.Add(delta)
	return nil
}

// Value returns the current count.
func (v *CounterVec) Value() float64 { return v.value.Load() }

// ============================================================================
// Gauge
// ============================================================================

// Gauge is a metric that can arbitrarily go up and down.
type Gauge struct {
	family[GaugeVec]
}

// GaugeVec is a gauge for one label combination.
type GaugeVec struct {
	labels map[string]string
	value  atomicFloat64
}

func newGauge(name, help string, labelNames []string) *Gauge {
	return &Gauge{family[GaugeVec]{
		name:       name,
		help:       help,
		labelNames: labelNames,
		newChild:   func(l map[string]string) *GaugeVec { return &GaugeVec{labels: l} },
	}}
}

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// WithLabels returns the gauge for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	return g.child("gauge", values)
}

// Set sets an unlabeled gauge.
func (g *Gauge) Set(value float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Set(value)
	return nil
}

// Add adds delta to an unlabeled gauge.
func (g *Gauge) Add(delta float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Add(delta)
	return nil
}

// Collect returns all metric samples.
func (g *Gauge) Collect() []Sample {
	var out []Sample
	g.each(func(v *GaugeVec) {
		out = append(out, Sample{Name: g.name, Labels: v.labels, Value: v.value.Load()})
	})
	return out
}

func (v *GaugeVec) Set(value float64) { v.value.Store(value) }
func (v *GaugeVec) Inc()              { v.Add(1) }
func (v *GaugeVec) Dec()              { v.Add(-1) }
func (v *GaugeVec) Add(delta float64) { v.value.Add(delta) }
func (v *GaugeVec) Value() float64    { return v.value.Load() }

// ============================================================================
// Histogram
// ============================================================================

// Histogram tracks the distribution of observed values.
type Histogram struct {
	family[HistogramVec]
	buckets []float64
}

// HistogramVec is a histogram for one label combination.
type HistogramVec struct {
	labels  map[string]string
	buckets []float64
	counts  []atomic.Uint64
	sum     atomicFloat64
	count   atomic.Uint64
}

func newHistogram(name, help string, buckets []float64, labelNames []string) *Histogram {
	sorted := slices.Clone(buckets)
	sort.Float64s(sorted)
	if len(sorted) == 0 || !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}
	h := &Histogram{buckets: sorted}
	h.family = family[HistogramVec]{
		name:       name,
		help:       help,
		labelNames: labelNames,
		newChild: func(l map[string]string) *HistogramVec {
			return &HistogramVec{labels: l, buckets: sorted, counts: make([]atomic.Uint64, len(sorted))}
		},
	}
	return h
}

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return MetricTypeHistogram }

// WithLabels returns the histogram for the given label values.
func (h *Histogram) WithLabels(values ...string) (*HistogramVec, error) {
	return h.child("histogram", values)
}

// Observe records a value in an unlabeled histogram.
func (h *Histogram) Observe(value float64) error {
	vec, err := h.WithLabels()
	if err != nil {
		return err
	}
	vec.Observe(value)
	return nil
}

// Collect returns cumulative bucket samples plus _sum and _count.
func (h *Histogram) Collect() []Sample {
	var out []Sample
	h.each(func(v *HistogramVec) {
		var cumulative uint64
		for i, bound := range v.buckets {
			cumulative += v.counts[i].Load()
			labels := make(map[string]string, len(v.labels)+1)
			for k, val := range v.labels {
				labels[k] = val
			}
			labels["le"] = formatFloat(bound)
			out = append(out, Sample{Name: h.name + "_bucket", Labels: labels, Value: float64(cumulative)})
		}
		out = append(out,
			Sample{Name: h.name + "_sum", Labels: v.labels, Value: v.sum.Load()},
			Sample{Name: h.name + "_count", Labels: v.labels, Value: float64(v.count.Load())},
		)
	})
	return out
}

// Observe records a value.
func (v *HistogramVec) Observe(value float64) {
	for i, bound := range v.buckets {
		if value <= bound {
			v.counts[i].Add(1)
			break
		}
	}
	v.sum.Add(value)
	v.count.Add(1)
}

// Count returns the number of observations.
func (v *HistogramVec) Count() uint64 { return v.count.Load() }

// ============================================================================
// Registry
// ============================================================================

// Registry holds registered metrics and collectors refreshed on scrape.
type Registry struct {
	mu         sync.RWMutex
	metrics    []Metric
	names      map[string]struct{}
	collectors []func()
}

// NewRegistry creates a new metric registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a new counter.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	c := newCounter(name, help, labels)
	r.register(c)
	return c
}

// NewGauge creates and registers a new gauge.
func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	g := newGauge(name, help, labels)
	r.register(g)
	return g
}

// NewHistogram creates and registers a new histogram with the given buckets.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	h := newHistogram(name, help, buckets, labels)
	r.register(h)
	return h
}

// OnCollect registers fn to run before every exposition.
func (r *Registry) OnCollect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors = append(r.collectors, fn)
}

// register panics on duplicate names, which would produce invalid output.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// Metrics returns the registered metrics in registration order.
func (r *Registry) Metrics() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.metrics)
}

// WriteTo writes every metric in the text exposition format.
func (r *Registry) WriteTo(w io.Writer) (int64, error) {
	r.mu.RLock()
	collectors := slices.Clone(r.collectors)
	r.mu.RUnlock()
	for _, fn := range collectors {
		fn()
	}

	cw := &countingWriter{w: w}
	for _, m := range r.Metrics() {
		writeMetric(cw, m)
		if cw.err != nil {
			break
		}
	}
	return cw.n, cw.err
}

// Expose renders the exposition into a string.
func (r *Registry) Expose() string {
	var b strings.Builder
	_, _ = r.WriteTo(&b)
	return b.String()
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// ============================================================================
// Prometheus Text Format Writer
// ============================================================================

func writeMetric(w io.Writer, m Metric) {
	samples := m.Collect()
	if len(samples) == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", m.Name(), escapeHelp(m.Help()))
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", m.Name(), m.Type())
	for _, s := range samples {
		if len(s.Labels) == 0 {
			_, _ = fmt.Fprintf(w, "%s %s\n", s.Name, formatFloat(s.Value))
		} else {
			_, _ = fmt.Fprintf(w, "%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
		}
	}
}

// formatLabels formats labels as key="value" pairs in key order.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + `="` + escapeLabelValue(labels[k]) + `"`
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case v == math.Trunc(v) && math.Abs(v) < 1e15:
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}

func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\n", "\\n")
}

func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}

// DefaultBuckets are the default histogram buckets for durations in seconds.
var DefaultBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
