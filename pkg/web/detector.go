package web

import (
	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
)

// Name is the detector and codec name.
const Name = "http"

// Priority ranks the HTTP/1 detector below binary protocols with magic
// numbers.
const Priority = 100

// methodTokens are request-line prefixes of HTTP/1.x requests.
var methodTokens = []string{
	"GET ", "POST ", "PUT ", "DELETE ", "HEAD ",
	"OPTIONS ", "PATCH ", "TRACE ", "CONNECT ",
}

type detector struct {
	f *Facade
}

func (d *detector) MinimumBytes() int { return 4 }

// Match waits while the window is a prefix of some method token and matches
// once a whole token with its trailing space is present.
func (d *detector) Match(window []byte) detect.Verdict {
	verdict := detect.Reject
	for _, tok := range methodTokens {
		n := min(len(window), len(tok))
		if string(window[:n]) != tok[:n] {
			continue
		}
		if n == len(tok) {
			return detect.Match
		}
		verdict = detect.NeedMore
	}
	return verdict
}

func (d *detector) Install(*conn.Conn) (conn.Codec, error) {
	return &codec{f: d.f}, nil
}
