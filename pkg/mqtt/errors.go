package mqtt

// Error is an MQTT façade error.
type Error string

func (e Error) Error() string { return string(e) }

// ErrNotRunning is returned while the broker is stopped.
const ErrNotRunning = Error("mqtt: broker not running")
