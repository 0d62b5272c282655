// Package wire holds the packet envelope shared by both sub-protocols:
//
//	opcode (u8) | payload length (u16, big-endian) | payload
//
// and a bounds-checked reader the payload decoders are built on.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen  = 3
	MaxPayload = 0xFFFF
)

var (
	ErrShortPayload    = errors.New("wire: payload shorter than its fields")
	ErrTrailingBytes   = errors.New("wire: unexpected bytes after last field")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds 65535 bytes")
	ErrShortHeader     = errors.New("wire: short header")
)

// OpcodeError reports an opcode outside a sub-protocol's opcode space.
type OpcodeError struct {
	Protocol string
	Opcode   uint8
}

func (e *OpcodeError) Error() string {
	return fmt.Sprintf("wire: unknown %s opcode %d", e.Protocol, e.Opcode)
}

type Header struct {
	Opcode uint8
	Length uint16
}

// ParseHeader decodes the first HeaderLen bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{Opcode: b[0], Length: binary.BigEndian.Uint16(b[1:3])}, nil
}

// AppendHeader appends the envelope for a payload of payloadLen bytes.
func AppendHeader(dst []byte, opcode uint8, payloadLen int) ([]byte, error) {
	if payloadLen < 0 || payloadLen > MaxPayload {
		return dst, ErrPayloadTooLarge
	}
	dst = append(dst, opcode)
	return binary.BigEndian.AppendUint16(dst, uint16(payloadLen)), nil
}

// Frame prepends the envelope to payload.
func Frame(opcode uint8, payload []byte) ([]byte, error) {
	out, err := AppendHeader(make([]byte, 0, HeaderLen+len(payload)), opcode, len(payload))
	if err != nil {
		return nil, err
	}
	return append(out, payload...), nil
}

// Reader is a big-endian cursor over a payload. Every accessor checks the
// remaining length first and returns ErrShortPayload instead of reading past
// the end.
type Reader struct {
	b   []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

func (r *Reader) Len() int {
	return len(r.b) - r.off
}

func (r *Reader) Uint8() (uint8, error) {
	if r.Len() < 1 {
		return 0, ErrShortPayload
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if r.Len() < 2 {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if r.Len() < 4 {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

// Bytes returns the next n bytes without copying.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.Len() < n {
		return nil, ErrShortPayload
	}
	v := r.b[r.off : r.off+n : r.off+n]
	r.off += n
	return v, nil
}

// Rest returns everything not yet consumed.
func (r *Reader) Rest() []byte {
	v := r.b[r.off:]
	r.off = len(r.b)
	return v
}

// Done fails with ErrTrailingBytes unless the payload is fully consumed.
func (r *Reader) Done() error {
	if r.Len() != 0 {
		return ErrTrailingBytes
	}
	return nil
}
