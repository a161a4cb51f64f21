// Package protocol implements the intercom wire format: a 4-byte header
// {type u8, flags u8, length u16 little-endian} followed by length bytes of
// payload, carried over a single TCP stream.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DefaultPort is the well-known intercom TCP port.
	DefaultPort = 6054

	HeaderSize = 4

	SampleRate     = 16000
	BytesPerSample = 2

	// ChunkSize is one capture chunk: 256 mono 16-bit samples (16 ms).
	ChunkSize = 512

	MaxPayloadSize = 2048

	// MaxMessageSize is the receive buffer size. The slack above
	// MaxPayloadSize leaves room for AEC frames larger than one chunk.
	MaxMessageSize = HeaderSize + MaxPayloadSize + 64

	// MaxCallerNameSize bounds the START payload.
	MaxCallerNameSize = 64
)

var (
	ErrShortHeader     = errors.New("protocol: short header")
	ErrTruncated       = errors.New("protocol: truncated payload")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrEmptyError      = errors.New("protocol: error message without code")
)

// MessageType identifies a frame.
type MessageType uint8

const (
	TypeAudio  MessageType = 0x01
	TypeStart  MessageType = 0x02
	TypeStop   MessageType = 0x03
	TypePing   MessageType = 0x04
	TypePong   MessageType = 0x05
	TypeError  MessageType = 0x06
	TypeRing   MessageType = 0x07
	TypeAnswer MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case TypeAudio:
		return "AUDIO"
	case TypeStart:
		return "START"
	case TypeStop:
		return "STOP"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeError:
		return "ERROR"
	case TypeRing:
		return "RING"
	case TypeAnswer:
		return "ANSWER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t >= TypeAudio && t <= TypeAnswer
}

// Flags is the header bitmask.
type Flags uint8

const (
	FlagNone Flags = 0x00
	FlagEnd  Flags = 0x01
	// FlagNoRing on START asks the receiver to skip ringing: the far side
	// is already expecting audio.
	FlagNoRing Flags = 0x02
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// ErrorCode is the single payload byte of an ERROR message.
type ErrorCode uint8

const (
	CodeOK         ErrorCode = 0x00
	CodeBusy       ErrorCode = 0x01
	CodeInvalidMsg ErrorCode = 0x02
	CodeNotReady   ErrorCode = 0x03
	CodeInternal   ErrorCode = 0xFF
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeBusy:
		return "BUSY"
	case CodeInvalidMsg:
		return "INVALID_MSG"
	case CodeNotReady:
		return "NOT_READY"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("CODE(0x%02X)", uint8(c))
	}
}

// Header is the fixed frame prefix.
type Header struct {
	Type   MessageType
	Flags  Flags
	Length uint16
}

// Put writes h into b, which must hold at least HeaderSize bytes.
func (h Header) Put(b []byte) {
	b[0] = byte(h.Type)
	b[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
}

// Message is a decoded frame.
type Message struct {
	Header
	Payload []byte
}

// Clone returns a copy of m that does not alias any receive buffer.
func (m Message) Clone() Message {
	if len(m.Payload) == 0 {
		m.Payload = nil
		return m
	}
	m.Payload = bytes.Clone(m.Payload)
	return m
}

// Encode returns a complete frame for the given message.
func Encode(t MessageType, flags Flags, payload []byte) ([]byte, error) {
	return AppendMessage(make([]byte, 0, HeaderSize+len(payload)), t, flags, payload)
}

// AppendMessage appends a complete frame to dst.
func AppendMessage(dst []byte, t MessageType, flags Flags, payload []byte) ([]byte, error) {
	if len(payload) > MaxMessageSize-HeaderSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	var hdr [HeaderSize]byte
	Header{Type: t, Flags: flags, Length: uint16(len(payload))}.Put(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, payload...), nil
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Type:   MessageType(b[0]),
		Flags:  Flags(b[1]),
		Length: binary.LittleEndian.Uint16(b[2:4]),
	}, nil
}

// Decode parses one frame from b. The payload aliases b.
func Decode(b []byte) (Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Message{}, err
	}
	if int(h.Length) > len(b)-HeaderSize {
		return Message{}, fmt.Errorf("%w: want %d bytes, have %d", ErrTruncated, h.Length, len(b)-HeaderSize)
	}
	return Message{Header: h, Payload: b[HeaderSize : HeaderSize+int(h.Length)]}, nil
}

// ErrorPayload builds the payload of an ERROR message.
func ErrorPayload(code ErrorCode) []byte {
	return []byte{byte(code)}
}

// ParseError extracts the code from an ERROR payload.
func ParseError(payload []byte) (ErrorCode, error) {
	if len(payload) == 0 {
		return 0, ErrEmptyError
	}
	return ErrorCode(payload[0]), nil
}

// CallerName extracts the caller name from a START payload. The name ends at
// the first NUL byte and is capped at MaxCallerNameSize bytes.
func CallerName(payload []byte) string {
	if len(payload) > MaxCallerNameSize {
		payload = payload[:MaxCallerNameSize]
	}
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	return string(payload)
}

// StartPayload builds a START payload carrying the caller name.
func StartPayload(caller string) []byte {
	if len(caller) > MaxCallerNameSize {
		caller = caller[:MaxCallerNameSize]
	}
	return []byte(caller)
}
