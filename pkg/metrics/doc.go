// Package metrics provides Prometheus-compatible metrics for portmux.
//
// It implements the text exposition format (text/plain; version=0.0.4)
// with Counter, Gauge and Histogram types, all safe for concurrent use.
// Samples are written in label order so the exposition is stable.
//
// # Server Metrics
//
// NewServer creates the metrics of one server on its own registry:
//
//   - portmux_connections_accepted_total
//   - portmux_connections_refused_total (reason)
//   - portmux_active_connections (protocol)
//   - portmux_detections_total (protocol, outcome)
//   - portmux_dispatch_total (protocol, outcome, status)
//   - portmux_dispatch_duration_seconds (protocol)
//   - portmux_chain_exhausted_total (protocol)
//   - portmux_endpoints (protocol)
//
// plus Go runtime gauges refreshed on every scrape.
//
// # Usage
//
//	m := metrics.NewServer()
//	m.Dispatched("http", "ok", 200, time.Millisecond)
//	_, _ = m.Registry.WriteTo(w)
//
// Custom metrics can also be created:
//
//	registry := metrics.NewRegistry()
//	counter := registry.NewCounter("my_counter", "Description of counter", "label1", "label2")
//	vec, _ := counter.WithLabels("value1", "value2")
//	_ = vec.Inc()
package metrics
