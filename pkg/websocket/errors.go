package websocket

import "errors"

var (
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("websocket: session closed")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("websocket: session not found")
	// ErrMaxSessionsReached rejects upgrades over the configured limit.
	ErrMaxSessionsReached = errors.New("websocket: maximum sessions reached")
	// ErrShuttingDown rejects upgrades while the façade stops.
	ErrShuttingDown = errors.New("websocket: shutting down")
)
