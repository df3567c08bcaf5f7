package mqtt

import (
	"bytes"
	"crypto/subtle"
	"strings"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/getmockd/portmux/pkg/conn"
)

// authHook checks credentials and topic ACLs.
type authHook struct {
	mochi.HookBase
	config AuthConfig
}

func (h *authHook) ID() string { return "portmux-auth" }

func (h *authHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

func (h *authHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	if !h.config.Enabled {
		return true
	}
	username := cl.Properties.Username
	for _, user := range h.config.Users {
		userOK := subtle.ConstantTimeCompare([]byte(user.Username), username) == 1
		passOK := subtle.ConstantTimeCompare([]byte(user.Password), pk.Connect.Password) == 1
		if userOK && passOK {
			return true
		}
	}
	return false
}

// OnACLCheck applies the user's rules. Any matching deny is final; users
// without rules may do anything.
func (h *authHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	if !h.config.Enabled {
		return true
	}
	username := string(cl.Properties.Username)
	for _, user := range h.config.Users {
		if user.Username != username {
			continue
		}
		if len(user.ACL) == 0 {
			return true
		}
		matched := false
		for _, rule := range user.ACL {
			if !matchFilter(rule.Topic, topic) {
				continue
			}
			matched = true
			if !checkAccess(rule.Access, write) {
				return false
			}
		}
		return matched
	}
	return false
}

// matchFilter matches a topic against an MQTT filter with + and #.
func matchFilter(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, part := range fp {
		if part == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if part != "+" && part != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

func checkAccess(access string, write bool) bool {
	switch strings.ToLower(access) {
	case "readwrite", "all":
		return true
	case "read", "subscribe":
		return !write
	case "write", "publish":
		return write
	default:
		return false
	}
}

// dispatchHook routes client publishes to the façade.
type dispatchHook struct {
	mochi.HookBase
	f *Facade
}

func (h *dispatchHook) ID() string { return "portmux-dispatch" }

func (h *dispatchHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnect,
		mochi.OnPublish,
	}, []byte{b})
}

// OnConnect records the client id on the detected connection.
func (h *dispatchHook) OnConnect(cl *mochi.Client, pk packets.Packet) error {
	if c, ok := cl.Net.Conn.(*conn.Conn); ok {
		if attrs := c.Attributes(); attrs != nil {
			attrs.Set(AttrClientID, cl.ID)
			attrs.Set(AttrProtocolVersion, int(pk.ProtocolVersion))
		}
	}
	return nil
}

// OnPublish dispatches the message and lets it through unchanged.
func (h *dispatchHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline || strings.HasPrefix(pk.TopicName, "$") {
		return pk, nil
	}
	h.f.handlePublish(cl, pk)
	return pk, nil
}
