package binary

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken issues an HS256 token for subject, valid for ttl.
func SignToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Reply is a decoded response frame.
type Reply struct {
	MessageID uint64
	Topic     string
	Body      []byte
	Error     bool
}

// Client sends frames over one connection and waits for each reply in
// turn.
type Client struct {
	conn   net.Conn
	limits Limits
	token  string

	mu     sync.Mutex
	nextID atomic.Uint64
}

// NewClient wraps an established connection. token, when set, is sent as
// the auth bytes of every frame.
func NewClient(c net.Conn, token string) *Client {
	return &Client{conn: c, limits: DefaultLimits(), token: token}
}

// Request sends a request frame and reads its reply.
func (cl *Client) Request(ctx context.Context, topic string, body []byte) (Reply, error) {
	return cl.roundTrip(ctx, TypeRequest, topic, body)
}

// Ping checks the connection.
func (cl *Client) Ping(ctx context.Context) error {
	_, err := cl.roundTrip(ctx, TypePing, "", nil)
	return err
}

// Emit sends an event frame. Events have no reply.
func (cl *Client) Emit(topic string, body []byte) error {
	payload, err := EncodePayload(topic, body)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return WriteFrame(cl.conn, cl.frame(TypeEvent, payload), cl.limits)
}

func (cl *Client) Close() error { return cl.conn.Close() }

func (cl *Client) frame(typ uint32, payload []byte) Frame {
	fr := Frame{
		Header:  Header{MessageID: cl.nextID.Add(1), MessageType: typ},
		Payload: payload,
	}
	if cl.token != "" {
		fr.Auth = []byte(cl.token)
	}
	return fr
}

func (cl *Client) roundTrip(ctx context.Context, typ uint32, topic string, body []byte) (Reply, error) {
	var payload []byte
	if typ != TypePing {
		var err error
		if payload, err = EncodePayload(topic, body); err != nil {
			return Reply{}, err
		}
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = cl.conn.SetDeadline(deadline)
		defer cl.conn.SetDeadline(time.Time{})
	}
	fr := cl.frame(typ, payload)
	if err := WriteFrame(cl.conn, fr, cl.limits); err != nil {
		return Reply{}, err
	}
	resp, err := ReadFrame(cl.conn, cl.limits)
	if err != nil {
		return Reply{}, err
	}
	if resp.Header.MessageID != fr.Header.MessageID || resp.Header.Flags&FlagIsResponse == 0 {
		return Reply{}, fmt.Errorf("binary: unexpected frame %d for request %d", resp.Header.MessageID, fr.Header.MessageID)
	}
	reply := Reply{MessageID: resp.Header.MessageID, Error: resp.Header.Flags&FlagIsError != 0}
	if typ != TypePing {
		if reply.Topic, reply.Body, err = DecodePayload(resp.Payload); err != nil {
			return Reply{}, err
		}
	}
	return reply, nil
}
