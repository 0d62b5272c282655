// Package discovery encodes the datagrams peers multicast to find each other.
// Both packets carry only the sender's display name as the raw payload.
package discovery

import (
	"errors"
	"unicode/utf8"

	"lana/internal/wire"
)

type Opcode uint8

const (
	OpQuery Opcode = iota
	OpQueryResponse
)

func (o Opcode) String() string {
	switch o {
	case OpQuery:
		return "QUERY"
	case OpQueryResponse:
		return "QUERY_RESPONSE"
	}
	return "UNKNOWN"
}

var (
	ErrEmptyName   = errors.New("discovery: empty sender name")
	ErrInvalidName = errors.New("discovery: sender name is not valid UTF-8")
	ErrLength      = errors.New("discovery: declared length does not match datagram")
)

// Packet is either a Query or a QueryResponse.
type Packet interface {
	Opcode() Opcode
	Sender() string
	discoveryPacket()
}

// Query asks every listening peer to answer and connect.
type Query struct {
	SenderName string
}

// QueryResponse answers a Query.
type QueryResponse struct {
	SenderName string
}

func (Query) Opcode() Opcode         { return OpQuery }
func (QueryResponse) Opcode() Opcode { return OpQueryResponse }

func (p Query) Sender() string         { return p.SenderName }
func (p QueryResponse) Sender() string { return p.SenderName }

func (Query) discoveryPacket()         {}
func (QueryResponse) discoveryPacket() {}

// Marshal returns the full datagram for p.
func Marshal(p Packet) ([]byte, error) {
	name := p.Sender()
	if name == "" {
		return nil, ErrEmptyName
	}
	return wire.Frame(uint8(p.Opcode()), []byte(name))
}

// Unmarshal decodes a complete datagram.
func Unmarshal(datagram []byte) (Packet, error) {
	h, err := wire.ParseHeader(datagram)
	if err != nil {
		return nil, err
	}
	payload := datagram[wire.HeaderLen:]
	if int(h.Length) != len(payload) {
		return nil, ErrLength
	}
	if len(payload) == 0 {
		return nil, ErrEmptyName
	}
	if !utf8.Valid(payload) {
		return nil, ErrInvalidName
	}
	name := string(payload)

	switch Opcode(h.Opcode) {
	case OpQuery:
		return Query{SenderName: name}, nil
	case OpQueryResponse:
		return QueryResponse{SenderName: name}, nil
	}
	return nil, &wire.OpcodeError{Protocol: "discovery", Opcode: h.Opcode}
}
