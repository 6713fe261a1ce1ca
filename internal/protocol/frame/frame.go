// Package frame reads and writes the fixed-header frames exchanged on a bus
// session.
//
// Layout, big endian:
//
//	0  magic        u32
//	4  version      u16
//	6  header_len   u16  fixed header plus auth bytes
//	8  message_id   u64
//	16 message_type u32
//	20 flags        u32
//	24 payload_len  u64
//	32 auth         header_len-32 bytes
//	.. payload      payload_len bytes
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 32

	Magic   uint32 = 0x53574255 // "SWBU"
	Version uint16 = 1

	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04

	maxAuthOnWire = uint64(0xFFFF - FixedHeaderLen)
)

// Message types carried in Header.MessageType.
const (
	MsgHello uint32 = iota + 1
	MsgHelloAck
	MsgEnvelope
	MsgPing
	MsgPong
	MsgGoodbye
)

var msgNames = [...]string{
	MsgHello:    "hello",
	MsgHelloAck: "hello_ack",
	MsgEnvelope: "envelope",
	MsgPing:     "ping",
	MsgPong:     "pong",
	MsgGoodbye:  "goodbye",
}

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrTruncated         = errors.New("frame: truncated body")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch = errors.New("frame: auth flag set but header_len has no auth bytes")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrAuthTooLarge      = errors.New("frame: auth too large")
	ErrBadMagic          = errors.New("frame: bad magic")
	ErrBadVersion        = errors.New("frame: unsupported version")
)

// MessageTypeName returns a short label for logs and metrics.
func MessageTypeName(t uint32) string {
	if t == 0 || t >= uint32(len(msgNames)) {
		return "unknown"
	}
	return msgNames[t]
}

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

// AuthLen is the number of auth bytes that follow the fixed header.
func (h Header) AuthLen() uint64 {
	if h.HeaderLen < FixedHeaderLen {
		return 0
	}
	return uint64(h.HeaderLen - FixedHeaderLen)
}

// AppendTo appends the 32-byte encoding of h to b.
func (h Header) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, h.Magic)
	b = binary.BigEndian.AppendUint16(b, h.Version)
	b = binary.BigEndian.AppendUint16(b, h.HeaderLen)
	b = binary.BigEndian.AppendUint64(b, h.MessageID)
	b = binary.BigEndian.AppendUint32(b, h.MessageType)
	b = binary.BigEndian.AppendUint32(b, h.Flags)
	return binary.BigEndian.AppendUint64(b, h.PayloadLen)
}

// ParseHeader decodes exactly FixedHeaderLen bytes. It does not validate.
func ParseHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	be := binary.BigEndian
	return Header{
		Magic:       be.Uint32(b[0:]),
		Version:     be.Uint16(b[4:]),
		HeaderLen:   be.Uint16(b[6:]),
		MessageID:   be.Uint64(b[8:]),
		MessageType: be.Uint32(b[16:]),
		Flags:       be.Uint32(b[20:]),
		PayloadLen:  be.Uint64(b[24:]),
	}, nil
}

// check rejects headers that are foreign, inconsistent or over limits.
func (h Header) check(limits Limits) error {
	switch {
	case h.Magic != Magic:
		return fmt.Errorf("%w: 0x%08X", ErrBadMagic, h.Magic)
	case h.Version != Version:
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	case h.HeaderLen < FixedHeaderLen:
		return ErrHeaderLenTooSmall
	case h.Flags&FlagHasAuth != 0 && h.AuthLen() == 0:
		return ErrHeaderLenMismatch
	case h.AuthLen() > limits.MaxAuthBytes:
		return ErrAuthTooLarge
	case h.PayloadLen > limits.MaxPayloadBytes:
		return ErrPayloadTooLarge
	}
	return nil
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// Limits bounds the memory a single frame may claim.
type Limits struct {
	MaxAuthBytes    uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    64 * 1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// New builds a frame of the given type stamped with the current magic and
// version.
func New(msgType uint32, id uint64, auth, payload []byte) Frame {
	return Frame{
		Header:  Header{Magic: Magic, Version: Version, MessageID: id, MessageType: msgType},
		Auth:    auth,
		Payload: payload,
	}
}

// ReadFrame reads one frame. The header is validated against limits before
// any body bytes are allocated.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := ParseHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := h.check(limits); err != nil {
		return Frame{}, err
	}

	authLen := h.AuthLen()
	body := make([]byte, authLen+h.PayloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("%w: want %d bytes", ErrTruncated, len(body))
		}
		return Frame{}, err
	}
	return Frame{Header: h, Auth: body[:authLen:authLen], Payload: body[authLen:]}, nil
}

// WriteFrame fixes up the length fields and auth flag of f.Header, then
// writes the whole frame in a single Write call so concurrent writers never
// interleave.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	authLen := uint64(len(f.Auth))
	payloadLen := uint64(len(f.Payload))
	if authLen > limits.MaxAuthBytes || authLen > maxAuthOnWire {
		return ErrAuthTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.PayloadLen = payloadLen
	h.Flags &^= FlagHasAuth
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	}

	buf := make([]byte, 0, uint64(FixedHeaderLen)+authLen+payloadLen)
	buf = h.AppendTo(buf)
	buf = append(buf, f.Auth...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}
