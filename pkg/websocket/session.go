package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/exchange"
)

// Request headers set on every message.
const (
	HeaderSession = "X-Websocket-Session"
	HeaderTopic   = "X-Websocket-Topic"
)

// Connection attributes.
const (
	AttrSession     = "websocket.session"
	AttrPath        = "websocket.path"
	AttrSubprotocol = "websocket.subprotocol"
)

// SessionInfo describes an open session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Subprotocol string    `json:"subprotocol,omitempty"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	Received    int64     `json:"received"`
	Sent        int64     `json:"sent"`
}

// envelope is the JSON shape of topic-routed messages and their replies.
type envelope struct {
	Topic  string          `json:"topic"`
	Status int             `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// session is the codec installed on upgraded connections.
type session struct {
	f  *Facade
	ws *ws.Conn
	id string

	path        string
	header      http.Header
	query       url.Values
	remoteAddr  string
	subprotocol string
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	received atomic.Int64
	sent     atomic.Int64
	closed   atomic.Bool
}

func newSession(f *Facade, wc *ws.Conn, r *http.Request) *session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	return &session{
		f:           f,
		ws:          wc,
		id:          uuid.NewString(),
		path:        r.URL.Path,
		header:      r.Header.Clone(),
		query:       r.URL.Query(),
		remoteAddr:  r.RemoteAddr,
		subprotocol: wc.Subprotocol(),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *session) Name() string { return Name }

// Serve reads messages until the peer closes or the connection ends.
func (s *session) Serve(c *conn.Conn) error {
	stop := context.AfterFunc(c.Context(), s.cancel)
	defer stop()
	defer s.cancel()

	s.f.add(s)
	defer s.f.remove(s)
	defer func() { _ = s.ws.CloseNow() }()

	if attrs := c.Attributes(); attrs != nil {
		attrs.Set(AttrSession, s.id)
		attrs.Set(AttrPath, s.path)
		attrs.Set(AttrSubprotocol, s.subprotocol)
	}
	log := c.Logger().With("session", s.id, "path", s.path)
	log.Debug("websocket session opened", "subprotocol", s.subprotocol)

	for {
		typ, data, err := s.ws.Read(s.ctx)
		if err != nil {
			if closedNormally(err) {
				log.Debug("websocket session closed")
				return nil
			}
			return fmt.Errorf("websocket: read: %w", err)
		}
		s.received.Add(1)

		req, topic, enveloped := s.request(typ, data)
		if err := <-s.f.dispatcher.Handle(s.ctx, c, req, s.writer(topic, enveloped), nil); err != nil {
			if errors.Is(err, conn.ErrClosed) {
				return nil
			}
			log.Debug("reply not sent", "request", req.ID, "error", err)
		}
	}
}

func closedNormally(err error) bool {
	switch ws.CloseStatus(err) {
	case ws.StatusNormalClosure, ws.StatusGoingAway, ws.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, context.Canceled)
}

// request converts one message. Envelopes route by topic, everything else
// by the session path.
func (s *session) request(typ ws.MessageType, data []byte) (*exchange.Request, string, bool) {
	target, body, contentType := s.path, data, contentTypeOf(typ, data)
	topic, msg, enveloped := parseEnvelope(typ, data)
	if enveloped {
		target, body = topic, msg.body
		contentType = msg.contentType
	}

	req := exchange.NewRequest(Name, GroupMessage, target)
	req.Header = s.header.Clone()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderSession, s.id)
	if enveloped {
		req.Header.Set(HeaderTopic, topic)
	}
	for k, v := range s.query {
		req.Query[k] = append([]string(nil), v...)
	}
	req.Body = body
	req.Accept = exchange.Negotiate(s.header.Get("Accept"))
	req.RemoteAddr = s.remoteAddr
	return req, topic, enveloped
}

type payload struct {
	body        []byte
	contentType string
}

func parseEnvelope(typ ws.MessageType, data []byte) (string, payload, bool) {
	if typ != ws.MessageText || !gjson.ValidBytes(data) {
		return "", payload{}, false
	}
	topic := gjson.GetBytes(data, "topic")
	if topic.Type != gjson.String || topic.Str == "" {
		return "", payload{}, false
	}
	d := gjson.GetBytes(data, "data")
	switch {
	case !d.Exists():
		return topic.Str, payload{contentType: exchange.CategoryText.MediaType()}, true
	case d.Type == gjson.String:
		return topic.Str, payload{body: []byte(d.Str), contentType: exchange.CategoryText.MediaType()}, true
	default:
		return topic.Str, payload{body: []byte(d.Raw), contentType: exchange.CategoryJSON.MediaType()}, true
	}
}

func contentTypeOf(typ ws.MessageType, data []byte) string {
	switch {
	case typ == ws.MessageBinary:
		return exchange.CategoryBinary.MediaType()
	case gjson.ValidBytes(data):
		return exchange.CategoryJSON.MediaType()
	default:
		return exchange.CategoryText.MediaType()
	}
}

// writer renders replies as text frames. Empty plain replies send nothing.
func (s *session) writer(topic string, enveloped bool) dispatch.WriteFunc {
	return func(resp *exchange.Response) error {
		frame := resp.Bytes()
		if enveloped {
			var err error
			frame, err = json.Marshal(envelope{Topic: topic, Status: resp.Status, Data: replyData(resp)})
			if err != nil {
				return fmt.Errorf("websocket: encode reply: %w", err)
			}
		} else if len(frame) == 0 {
			return nil
		}
		return s.send(s.ctx, frame)
	}
}

// replyData embeds JSON replies as they are and everything else as a
// JSON string.
func replyData(resp *exchange.Response) json.RawMessage {
	body := resp.Bytes()
	if len(body) == 0 {
		return nil
	}
	if resp.Category == exchange.CategoryJSON && json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

func (s *session) send(ctx context.Context, text []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.f.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.f.writeTimeout)
		defer cancel()
	}
	if err := s.ws.Write(ctx, ws.MessageText, text); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	s.sent.Add(1)
	return nil
}

func (s *session) close(code ws.StatusCode, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if err := s.ws.Close(code, reason); err != nil {
			_ = s.ws.CloseNow()
		}
		s.cancel()
	}()
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:          s.id,
		Path:        s.path,
		Subprotocol: s.subprotocol,
		RemoteAddr:  s.remoteAddr,
		ConnectedAt: s.connectedAt,
		Received:    s.received.Load(),
		Sent:        s.sent.Load(),
	}
}
