// Package detect classifies new connections from their first bytes.
//
// A Registry holds detector factories sorted by priority. Each connection gets
// a Session with one fresh detector per factory, so concurrent connections
// never share detector state. The session is fed the same growing byte window
// until a detector matches, every detector rejects or the window reaches the
// cap. A detector is only asked once the window holds its minimum byte count.
package detect

import (
	"github.com/getmockd/portmux/pkg/conn"
)

// Verdict is a detector's answer for a byte window.
type Verdict int

const (
	// NeedMore means the window is not conclusive yet.
	NeedMore Verdict = iota
	// Match means the window belongs to the detector's protocol.
	Match
	// Reject means the window can never belong to the protocol.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Reject:
		return "reject"
	default:
		return "need-more"
	}
}

// Detector recognizes one protocol and installs its codec.
type Detector interface {
	// MinimumBytes is the window size the detector needs before Match may be
	// called.
	MinimumBytes() int

	// Match inspects the window. It is never called with fewer than
	// MinimumBytes bytes.
	Match(window []byte) Verdict

	// Install builds the codec serving the connection.
	Install(c *conn.Conn) (conn.Codec, error)
}

// Factory creates detectors for new connections.
type Factory struct {
	Name     string
	Priority int
	New      func() Detector
}

// State is the classification state of a session.
type State int

const (
	Undecided State = iota
	Matched
	Rejected
)

func (s State) String() string {
	switch s {
	case Matched:
		return "matched"
	case Rejected:
		return "rejected"
	default:
		return "undecided"
	}
}

// Decision is the result of classifying a window.
type Decision struct {
	State State

	// Name and Detector identify the winner when State is Matched.
	Name     string
	Detector Detector
}
