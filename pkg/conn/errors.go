package conn

// Error is a simple error type for connection errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = Error("connection closed")

	// ErrTooManySwaps is returned when a codec stack would be replaced more
	// often than the connection allows.
	ErrTooManySwaps = Error("codec stack replaced too many times")

	// ErrNoCodec is returned by Serve before a codec was installed.
	ErrNoCodec = Error("no codec installed")

	// ErrVirtual is returned when a stream operation needs a real stream.
	ErrVirtual = Error("virtual connection has no stream")

	// ErrNotFound is returned when a tracked connection id is unknown.
	ErrNotFound = Error("connection not found")
)
