package endpoint

// Error is a simple error type for registration errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

const (
	// ErrInvalidDeclaration is returned by Process for declarations that
	// cannot become endpoints.
	ErrInvalidDeclaration = Error("invalid declaration")

	// ErrDuplicate reports a declaration whose identity is already
	// registered.
	ErrDuplicate = Error("duplicate endpoint")
)
