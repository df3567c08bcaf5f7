package binary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Wire constants. Integers are big endian.
//
//	offset  size  field
//	0       4     magic "PMUX"
//	4       2     version
//	6       2     header_len (fixed header plus auth bytes)
//	8       8     message id
//	16      4     message type
//	20      4     flags
//	24      8     payload len
const (
	Magic          uint32 = 0x504d5558 // "PMUX"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32
	// MaxAuthLen is the most auth bytes header_len can describe.
	MaxAuthLen = math.MaxUint16 - FixedHeaderLen

	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
)

// Message types.
const (
	// TypeRequest expects a response frame.
	TypeRequest uint32 = 1
	// TypeEvent is dispatched without a response.
	TypeEvent uint32 = 2
	// TypePing is answered with an empty response and never dispatched.
	TypePing uint32 = 3
)

var (
	ErrShortHeader       = errors.New("binary: short fixed header")
	ErrBadMagic          = errors.New("binary: bad magic")
	ErrBadVersion        = errors.New("binary: unsupported version")
	ErrHeaderLenTooSmall = errors.New("binary: header_len smaller than fixed header")
	ErrHeaderLenMismatch = errors.New("binary: auth flag set without auth bytes")
	ErrPayloadTooLarge   = errors.New("binary: payload too large")
	ErrAuthTooLarge      = errors.New("binary: auth too large")
	ErrShortPayload      = errors.New("binary: payload shorter than its topic")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// Limits bound decode and encode memory use.
type Limits struct {
	MaxAuthBytes    uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    8 * 1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// ReadFrame reads one frame. A clean end of stream before any header byte
// is io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if n, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	authLen := uint64(h.HeaderLen - FixedHeaderLen)
	if h.Flags&FlagHasAuth != 0 && authLen == 0 {
		return Frame{}, ErrHeaderLenMismatch
	}
	if authLen > limits.MaxAuthBytes {
		return Frame{}, ErrAuthTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	auth := make([]byte, authLen)
	if authLen > 0 {
		if _, err := io.ReadFull(r, auth); err != nil {
			return Frame{}, err
		}
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Auth: auth, Payload: payload}, nil
}

// WriteFrame writes f in a single Write call. Magic, version, lengths and
// the auth flag are filled in from f.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	authLen := uint64(len(f.Auth))
	payloadLen := uint64(len(f.Payload))
	if authLen > limits.MaxAuthBytes || authLen > uint64(MaxAuthLen) {
		return ErrAuthTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.PayloadLen = payloadLen
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	} else {
		h.Flags &^= FlagHasAuth
	}

	buf := make([]byte, 0, uint64(FixedHeaderLen)+authLen+payloadLen)
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Auth...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("binary: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// EncodePayload prefixes body with the topic and its uint16 length.
func EncodePayload(topic string, body []byte) ([]byte, error) {
	if len(topic) > 0xffff {
		return nil, fmt.Errorf("binary: topic of %d bytes is too long", len(topic))
	}
	out := make([]byte, 2, 2+len(topic)+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(topic)))
	out = append(out, topic...)
	return append(out, body...), nil
}

// DecodePayload splits a payload into topic and body.
func DecodePayload(p []byte) (string, []byte, error) {
	if len(p) < 2 {
		return "", nil, ErrShortPayload
	}
	n := int(binary.BigEndian.Uint16(p))
	if len(p) < 2+n {
		return "", nil, ErrShortPayload
	}
	return string(p[2 : 2+n]), p[2+n:], nil
}
