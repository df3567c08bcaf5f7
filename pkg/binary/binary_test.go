package binary

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/portmux/pkg/conn"
	"github.com/getmockd/portmux/pkg/detect"
	"github.com/getmockd/portmux/pkg/dispatch"
	"github.com/getmockd/portmux/pkg/endpoint"
)

func TestFrame_RoundTrip(t *testing.T) {
	payload, err := EncodePayload("sensors/1", []byte(`{"t":21}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: TypeRequest},
		Auth:    []byte("token"),
		Payload: payload,
	}
	require.NoError(t, WriteFrame(&buf, in, DefaultLimits()))
	assert.Equal(t, 32+5+len(payload), buf.Len())
	assert.Equal(t, "PMUX", buf.String()[:4])

	out, err := ReadFrame(&buf, DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.Header.MessageID)
	assert.Equal(t, uint16(37), out.Header.HeaderLen)
	assert.NotZero(t, out.Header.Flags&FlagHasAuth)
	assert.Equal(t, "token", string(out.Auth))

	topic, body, err := DecodePayload(out.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sensors/1", topic)
	assert.Equal(t, `{"t":21}`, string(body))

	_, err = ReadFrame(&buf, DefaultLimits())
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrame_AuthFitsHeaderLen(t *testing.T) {
	limits := Limits{MaxAuthBytes: 1 << 20, MaxPayloadBytes: 1 << 20}

	var buf bytes.Buffer
	err := WriteFrame(&buf, Frame{Auth: make([]byte, int(MaxAuthLen)+1)}, limits)
	assert.ErrorIs(t, err, ErrAuthTooLarge)
	assert.Zero(t, buf.Len())

	require.NoError(t, WriteFrame(&buf, Frame{Auth: bytes.Repeat([]byte{'a'}, int(MaxAuthLen))}, limits))
	out, err := ReadFrame(&buf, limits)
	require.NoError(t, err)
	assert.Equal(t, uint16(math.MaxUint16), out.Header.HeaderLen)
	assert.Len(t, out.Auth, int(MaxAuthLen))
}

func TestFrame_Errors(t *testing.T) {
	valid := func(mut func(b []byte)) []byte {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, Frame{Payload: []byte{0, 0}}, DefaultLimits()))
		b := buf.Bytes()
		mut(b)
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short header", []byte("PMUX\x00\x01"), ErrShortHeader},
		{"bad magic", valid(func(b []byte) { b[0] = 'X' }), ErrBadMagic},
		{"bad version", valid(func(b []byte) { b[5] = 9 }), ErrBadVersion},
		{"header too small", valid(func(b []byte) { b[7] = 8 }), ErrHeaderLenTooSmall},
		{"auth flag without bytes", valid(func(b []byte) { b[23] |= byte(FlagHasAuth) }), ErrHeaderLenMismatch},
		{"payload too large", valid(func(b []byte) { b[24] = 1 }), ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data), DefaultLimits())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, _, err := DecodePayload([]byte{0, 9, 'a'})
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestDetector(t *testing.T) {
	d := &detector{}
	assert.Equal(t, detect.NeedMore, d.Match([]byte("PMUX")))
	assert.Equal(t, detect.Match, d.Match([]byte("PMUX\x00\x01")))
	assert.Equal(t, detect.Reject, d.Match([]byte("PMUX\x00\x02")))
	assert.Equal(t, detect.Reject, d.Match([]byte("GET / ")))
}

type sensors struct {
	events chan string
}

func (s *sensors) Read(id, subject string) map[string]any {
	return map[string]any{"id": id, "subject": subject}
}

func (s *sensors) Record(body []byte) { s.events <- string(body) }

func (s *sensors) Declarations() []endpoint.Declaration {
	facets := map[string]string{endpoint.FacetProtocol: Name}
	return []endpoint.Declaration{
		{Method: "Read", Pattern: "sensors/{id}", Group: GroupRequest, Facets: facets,
			Params: []endpoint.ParamHint{
				{Index: 0, Source: endpoint.SourcePath, Name: "id"},
				{Index: 1, Source: endpoint.SourceHeader, Name: HeaderAuthSubject},
			}},
		{Method: "Record", Pattern: "events/**", Group: GroupEvent, Facets: facets,
			Params: []endpoint.ParamHint{{Index: 0, Source: endpoint.SourceBody}}},
	}
}

func serve(t *testing.T, opts ...Option) (*Client, *sensors, net.Conn) {
	t.Helper()
	f := New(dispatch.New(), opts...)
	s := &sensors{events: make(chan string, 1)}
	_, err := f.Register(endpoint.Routes(s))
	require.NoError(t, err)
	require.NoError(t, f.Start(context.Background()))

	registry := detect.NewRegistry()
	for _, fac := range f.Detectors() {
		require.NoError(t, registry.Register(fac))
	}

	server, client := net.Pipe()
	c := conn.New(server)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := registry.Detect(context.Background(), c); err != nil {
			return
		}
		_ = c.Serve()
	}()
	t.Cleanup(func() {
		_ = client.Close()
		_ = c.Close()
		<-done
	})
	return NewClient(client, ""), s, client
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestFacade_Request(t *testing.T) {
	cl, _, _ := serve(t)

	reply, err := cl.Request(ctx(t), "sensors/7", nil)
	require.NoError(t, err)
	assert.False(t, reply.Error)
	assert.Equal(t, "sensors/7", reply.Topic)
	assert.JSONEq(t, `{"id":"7","subject":""}`, string(reply.Body))
	assert.EqualValues(t, 1, reply.MessageID)

	reply, err = cl.Request(ctx(t), "unknown", nil)
	require.NoError(t, err)
	assert.True(t, reply.Error)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(reply.Body, &problem))
	assert.Equal(t, "no_endpoint", problem["error"])

	require.NoError(t, cl.Ping(ctx(t)))
}

func TestFacade_Events(t *testing.T) {
	cl, s, _ := serve(t)

	require.NoError(t, cl.Emit("events/door/open", []byte("front")))
	select {
	case got := <-s.events:
		assert.Equal(t, "front", got)
	case <-time.After(5 * time.Second):
		t.Fatal("event not dispatched")
	}

	// No reply was written for the event, so the next reply is the ping's.
	require.NoError(t, cl.Ping(ctx(t)))
}

func TestFacade_Auth(t *testing.T) {
	secret := []byte("s3cret")
	cl, _, raw := serve(t, WithSecret(secret))

	reply, err := cl.Request(ctx(t), "sensors/1", nil)
	require.NoError(t, err)
	assert.True(t, reply.Error)
	assert.Contains(t, string(reply.Body), "unauthorized")

	forged, err := SignToken([]byte("other"), "mallory", time.Minute)
	require.NoError(t, err)
	reply, err = NewClient(raw, forged).Request(ctx(t), "sensors/1", nil)
	require.NoError(t, err)
	assert.True(t, reply.Error)

	token, err := SignToken(secret, "device-9", time.Minute)
	require.NoError(t, err)
	reply, err = NewClient(raw, token).Request(ctx(t), "sensors/1", nil)
	require.NoError(t, err)
	assert.False(t, reply.Error)
	assert.JSONEq(t, `{"id":"1","subject":"device-9"}`, string(reply.Body))
}
