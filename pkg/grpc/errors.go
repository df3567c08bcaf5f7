package grpc

// Error is a gRPC façade error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNotRunning is returned while the façade is stopped.
	ErrNotRunning = Error("grpc: not running")

	// ErrNoFallback answers plain HTTP/2 requests when no fallback handler
	// is configured.
	ErrNoFallback = Error("grpc: no handler for plain HTTP/2 requests")
)
