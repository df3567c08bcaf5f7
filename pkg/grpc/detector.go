package grpc

import (
	"bytes"

	"golang.org/x/net/http2"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
)

var preface = []byte(http2.ClientPreface)

// detector matches the HTTP/2 client connection preface.
type detector struct {
	f *Facade
}

func (d *detector) MinimumBytes() int { return len(preface) }

func (d *detector) Match(window []byte) detect.Verdict {
	n := min(len(window), len(preface))
	if !bytes.Equal(window[:n], preface[:n]) {
		return detect.Reject
	}
	if n < len(preface) {
		return detect.NeedMore
	}
	return detect.Match
}

func (d *detector) Install(*conn.Conn) (conn.Codec, error) {
	return &codec{f: d.f}, nil
}
