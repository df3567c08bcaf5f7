package metrics

import (
	"strconv"
	"time"
)

// Label values used by Server metrics.
//
// ## protocol
//   - http, websocket, eventbus, binary, mqtt, grpc, tls (lowercase façade names)
//   - unknown for connections that were never classified
//
// ## outcome
//   - detection: matched, rejected, undecided
//   - dispatch: ok, no_endpoint, error, not_acceptable
//
// ## reason
//   - rate_limited

// Server groups the metrics of one portmux server. Every server owns its
// own registry, so tests and embedded servers never share counters.
type Server struct {
	Registry *Registry

	// ConnectionsAccepted counts accepted connections.
	ConnectionsAccepted *Counter

	// ConnectionsRefused counts connections closed before detection.
	// Labels: reason
	ConnectionsRefused *Counter

	// ActiveConnections tracks open connections.
	// Labels: protocol
	ActiveConnections *Gauge

	// DetectionsTotal counts classification outcomes.
	// Labels: protocol, outcome
	DetectionsTotal *Counter

	// DispatchTotal counts dispatched messages.
	// Labels: protocol, outcome, status
	DispatchTotal *Counter

	// DispatchDuration tracks dispatch latency in seconds.
	// Labels: protocol
	DispatchDuration *Histogram

	// ChainExhausted counts replies no transformer could render.
	// Labels: protocol
	ChainExhausted *Counter

	// EndpointsRegistered tracks registered endpoints.
	// Labels: protocol
	EndpointsRegistered *Gauge

	Runtime *RuntimeCollector
}

// NewServer creates and registers the server metrics.
func NewServer() *Server {
	r := NewRegistry()
	s := &Server{
		Registry: r,
		ConnectionsAccepted: r.NewCounter(
			"portmux_connections_accepted_total",
			"Total number of accepted connections",
		),
		ConnectionsRefused: r.NewCounter(
			"portmux_connections_refused_total",
			"Connections closed before classification",
			"reason",
		),
		ActiveConnections: r.NewGauge(
			"portmux_active_connections",
			"Number of open connections",
			"protocol",
		),
		DetectionsTotal: r.NewCounter(
			"portmux_detections_total",
			"Connection classification outcomes",
			"protocol", "outcome",
		),
		DispatchTotal: r.NewCounter(
			"portmux_dispatch_total",
			"Total number of dispatched messages",
			"protocol", "outcome", "status",
		),
		DispatchDuration: r.NewHistogram(
			"portmux_dispatch_duration_seconds",
			"Duration of dispatch cycles in seconds",
			DefaultBuckets,
			"protocol",
		),
		ChainExhausted: r.NewCounter(
			"portmux_chain_exhausted_total",
			"Replies no transformer could render",
			"protocol",
		),
		EndpointsRegistered: r.NewGauge(
			"portmux_endpoints",
			"Number of registered endpoints",
			"protocol",
		),
	}
	s.Runtime = NewRuntimeCollector(r)
	return s
}

// Accepted records a new connection.
func (s *Server) Accepted() {
	_ = s.ConnectionsAccepted.Inc()
}

// Refused records a connection closed before detection.
func (s *Server) Refused(reason string) {
	if vec, err := s.ConnectionsRefused.WithLabels(reason); err == nil {
		_ = vec.Inc()
	}
}

// Opened records a classified connection.
func (s *Server) Opened(protocol string) {
	if vec, err := s.ActiveConnections.WithLabels(protocol); err == nil {
		vec.Inc()
	}
}

// Closed records a closed connection.
func (s *Server) Closed(protocol string) {
	if vec, err := s.ActiveConnections.WithLabels(protocol); err == nil {
		vec.Dec()
	}
}

// Detected records a classification outcome.
func (s *Server) Detected(protocol, outcome string) {
	if protocol == "" {
		protocol = "unknown"
	}
	if vec, err := s.DetectionsTotal.WithLabels(protocol, outcome); err == nil {
		_ = vec.Inc()
	}
}

// Dispatched records a finished dispatch.
func (s *Server) Dispatched(protocol, outcome string, status int, d time.Duration) {
	if vec, err := s.DispatchTotal.WithLabels(protocol, outcome, strconv.Itoa(status)); err == nil {
		_ = vec.Inc()
	}
	if vec, err := s.DispatchDuration.WithLabels(protocol); err == nil {
		vec.Observe(d.Seconds())
	}
	if outcome == "not_acceptable" {
		if vec, err := s.ChainExhausted.WithLabels(protocol); err == nil {
			_ = vec.Inc()
		}
	}
}

// Endpoints records the endpoint count of a protocol.
func (s *Server) Endpoints(protocol string, n int) {
	if vec, err := s.EndpointsRegistered.WithLabels(protocol); err == nil {
		vec.Set(float64(n))
	}
}
