package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes carried by *Error.
const (
	CodeNoEndpoint         = "no_endpoint"
	CodeMethodNotSupported = "method_not_supported"
	CodeNotAcceptable      = "not_acceptable"
	CodeHandlerError       = "handler_error"
	CodeHandlerPanic       = "handler_panic"
	CodeBadRequest         = "bad_request"
	CodeUnauthorized       = "unauthorized"
	CodeRenderFailed       = "render_failed"
)

// Error is a structured routing or handler failure. It travels through the
// transformer chain like any other value so it renders in the negotiated
// format.
type Error struct {
	Status  int
	Code    string
	Message string
	Details any

	// Allowed lists the groups a target is registered under when Code is
	// method_not_supported.
	Allowed []string

	Cause error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Problem is the payload structured renderers emit for an Error.
func (e *Error) Problem() map[string]any {
	p := map[string]any{
		"error":   e.Code,
		"message": e.Message,
		"status":  e.Status,
	}
	if e.Details != nil {
		p["details"] = e.Details
	}
	if len(e.Allowed) > 0 {
		p["allowed"] = e.Allowed
	}
	return p
}

// NoEndpoint reports that no endpoint matches target.
func NoEndpoint(group, target string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    CodeNoEndpoint,
		Message: fmt.Sprintf("no endpoint for %s %s", group, target),
	}
}

// MethodNotSupported reports that target exists under other groups only.
func MethodNotSupported(group, target string, allowed []string) *Error {
	return &Error{
		Status:  http.StatusMethodNotAllowed,
		Code:    CodeMethodNotSupported,
		Message: fmt.Sprintf("%s not supported for %s", group, target),
		Allowed: allowed,
	}
}

// NotAcceptable reports chain exhaustion.
func NotAcceptable() *Error {
	return &Error{
		Status:  http.StatusNotAcceptable,
		Code:    CodeNotAcceptable,
		Message: "not acceptable",
	}
}

// BadRequest reports a malformed inbound message.
func BadRequest(msg string, details any) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeBadRequest,
		Message: msg,
		Details: details,
	}
}

// Wrap converts any handler error into an *Error. Errors that already are
// (or wrap) an *Error are returned as such.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeHandlerError,
		Message: err.Error(),
		Cause:   err,
	}
}

// Panic converts a recovered panic value into an *Error.
func Panic(v any) *Error {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeHandlerPanic,
		Message: "handler panicked",
		Cause:   err,
	}
}
