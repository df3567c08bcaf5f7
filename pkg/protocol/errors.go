package protocol

// Error is a simple error type for protocol errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for façade registration and lifecycle.
const (
	// ErrNilHandler is returned when attempting to register a nil façade.
	ErrNilHandler = Error("handler cannot be nil")

	// ErrEmptyHandlerID is returned when a façade has an empty ID.
	ErrEmptyHandlerID = Error("handler ID cannot be empty")

	// ErrHandlerExists is returned when registering a façade with an ID
	// that is already registered.
	ErrHandlerExists = Error("handler with this ID already exists")

	// ErrHandlerNotFound is returned when looking up an unregistered ID.
	ErrHandlerNotFound = Error("handler not found")

	// ErrAlreadyRunning is returned when starting a running façade.
	ErrAlreadyRunning = Error("handler is already running")

	// ErrNotRunning is returned when using a façade that is not running.
	ErrNotRunning = Error("handler is not running")

	// ErrShutdown is returned when an operation is attempted on a façade
	// that is shutting down.
	ErrShutdown = Error("handler is shutting down")
)
