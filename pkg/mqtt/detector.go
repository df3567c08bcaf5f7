package mqtt

import (
	"bytes"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
)

const typeConnect = 0x10

var protocolNames = [][]byte{
	[]byte("\x00\x04MQTT"),
	[]byte("\x00\x06MQIsdp"),
}

// detector recognises a CONNECT packet: fixed header, a variable length
// and the protocol name of MQTT 3.1, 3.1.1 or 5.
type detector struct {
	f *Facade
}

func (d *detector) MinimumBytes() int { return 2 }

func (d *detector) Match(window []byte) detect.Verdict {
	if len(window) == 0 {
		return detect.NeedMore
	}
	if window[0] != typeConnect {
		return detect.Reject
	}

	// Remaining length is a varint of at most four bytes.
	i := 1
	for ; ; i++ {
		if i >= len(window) {
			return detect.NeedMore
		}
		if i > 4 {
			return detect.Reject
		}
		if window[i]&0x80 == 0 {
			break
		}
	}
	rest := window[i+1:]

	for _, name := range protocolNames {
		n := min(len(rest), len(name))
		if !bytes.Equal(rest[:n], name[:n]) {
			continue
		}
		if n < len(name) {
			return detect.NeedMore
		}
		return detect.Match
	}
	return detect.Reject
}

func (d *detector) Install(*conn.Conn) (conn.Codec, error) {
	return &codec{f: d.f}, nil
}
