package eventbus

// Error is a bus error.
type Error string

func (e Error) Error() string { return string(e) }

// ErrNotRunning is returned by Publish before Start or after Stop.
const ErrNotRunning = Error("eventbus: not running")
