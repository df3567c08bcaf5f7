package server

import "github.com/getmockd/portmux/pkg/protocol"

// Sentinel errors.
const (
	ErrAlreadyRunning = protocol.Error("server: already running")
	ErrNotRunning     = protocol.Error("server: not running")
	ErrNoFacade       = protocol.Error("server: no enabled façade for protocol")
)
