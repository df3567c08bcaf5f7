package metrics

import (
	"runtime"
	"time"
)

// RuntimeCollector refreshes Go runtime gauges whenever the registry is
// scraped.
type RuntimeCollector struct {
	uptime      *Gauge
	goroutines  *Gauge
	heapAlloc   *Gauge
	heapObjects *Gauge
	gcPause     *Gauge
	numGC       *Gauge
	goInfo      *Gauge

	startTime time.Time
}

// NewRuntimeCollector registers the runtime gauges on r.
func NewRuntimeCollector(r *Registry) *RuntimeCollector {
	rc := &RuntimeCollector{
		startTime: time.Now(),
		uptime: r.NewGauge(
			"portmux_uptime_seconds",
			"Server uptime in seconds",
		),
		goroutines: r.NewGauge(
			"go_goroutines",
			"Number of goroutines that currently exist",
		),
		heapAlloc: r.NewGauge(
			"go_memstats_heap_alloc_bytes",
			"Number of heap bytes allocated and still in use",
		),
		heapObjects: r.NewGauge(
			"go_memstats_heap_objects",
			"Number of allocated heap objects",
		),
		gcPause: r.NewGauge(
			"go_gc_duration_seconds",
			"Total GC pause duration in seconds",
		),
		numGC: r.NewGauge(
			"go_gc_cycles_total",
			"Total number of completed GC cycles",
		),
		goInfo: r.NewGauge(
			"go_info",
			"Information about the Go environment",
			"version",
		),
	}
	if vec, err := rc.goInfo.WithLabels(runtime.Version()); err == nil {
		vec.Set(1)
	}
	r.OnCollect(rc.Collect)
	return rc
}

// Collect updates all runtime gauges.
func (rc *RuntimeCollector) Collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	_ = rc.uptime.Set(time.Since(rc.startTime).Seconds())
	_ = rc.goroutines.Set(float64(runtime.NumGoroutine()))
	_ = rc.heapAlloc.Set(float64(mem.HeapAlloc))
	_ = rc.heapObjects.Set(float64(mem.HeapObjects))
	// PauseTotalNs is cumulative; the PauseNs ring wraps after 256 cycles.
	_ = rc.gcPause.Set(float64(mem.PauseTotalNs) / 1e9)
	_ = rc.numGC.Set(float64(mem.NumGC))
}
