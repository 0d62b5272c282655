// Package session encodes the connection-oriented sub-protocol: version
// handshake, directory queries and download negotiation. Every opcode is one
// variant of the closed Packet type.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"lana/internal/wire"
)

// ProtocolVersion is exchanged in Initialize; a mismatch ends the connection.
const ProtocolVersion uint16 = 1

type Opcode uint8

const (
	OpInitialize Opcode = iota
	OpInitializeResponse
	OpQuery
	OpQueryResponse
	OpStartDownload
	OpStartDownloadResponse
	// 6 is reserved for a stop-download request; cancellation closes the side
	// channel instead, so it is never sent.
)

var opcodeNames = [...]string{
	OpInitialize:            "INITIALIZE",
	OpInitializeResponse:    "INITIALIZE_RESPONSE",
	OpQuery:                 "QUERY",
	OpQueryResponse:         "QUERY_RESPONSE",
	OpStartDownload:         "START_DOWNLOAD",
	OpStartDownloadResponse: "START_DOWNLOAD_RESPONSE",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("OPCODE(%d)", uint8(o))
}

type ResponseCode uint16

const (
	OK ResponseCode = iota
	InitializeWrongVersion
	QueryDirectoryNotFound
	StartDownloadFileNotFound
)

func (c ResponseCode) String() string {
	switch c {
	case OK:
		return "OK"
	case InitializeWrongVersion:
		return "INITIALIZE_WRONG_VERSION"
	case QueryDirectoryNotFound:
		return "QUERY_DIRECTORY_NOT_FOUND"
	case StartDownloadFileNotFound:
		return "START_DOWNLOAD_FILE_NOT_FOUND"
	}
	return fmt.Sprintf("RESPONSE_CODE(%d)", uint16(c))
}

type EntryType uint8

const (
	EntryFile EntryType = iota
	EntryDirectory
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// MaxNameLen is the longest entry name a QueryResponse can carry.
const MaxNameLen = 0xFF

// Entry is one line of a directory listing. Size is the byte length of a
// file or the child count of a directory.
type Entry struct {
	Type EntryType
	Name string
	Size uint32
}

func (e Entry) wireLen() int { return 1 + 1 + len(e.Name) + 4 }

var (
	ErrPathNotRooted   = errors.New("session: path must start with '/'")
	ErrInvalidUTF8     = errors.New("session: string is not valid UTF-8")
	ErrNameTooLong     = errors.New("session: entry name longer than 255 bytes")
	ErrTooManyEntries  = errors.New("session: more than 65535 entries")
	ErrUnknownType     = errors.New("session: unknown entry type")
	ErrUnexpectedField = errors.New("session: non-OK response carries OK-only fields")
)

// Packet is implemented by exactly the six message structs of this package.
type Packet interface {
	Opcode() Opcode
	sessionPacket()
}

type Initialize struct {
	Version uint16
}

type InitializeResponse struct {
	Code ResponseCode
}

type Query struct {
	Token uint32
	Path  string
}

// QueryResponse carries Entries only when Code is OK.
type QueryResponse struct {
	Token   uint32
	Code    ResponseCode
	Entries []Entry
}

type StartDownload struct {
	Token  uint32
	Offset uint32
	Path   string
}

// StartDownloadResponse carries Port only when Code is OK.
type StartDownloadResponse struct {
	Token uint32
	Code  ResponseCode
	Port  uint16
}

func (Initialize) Opcode() Opcode            { return OpInitialize }
func (InitializeResponse) Opcode() Opcode    { return OpInitializeResponse }
func (Query) Opcode() Opcode                 { return OpQuery }
func (QueryResponse) Opcode() Opcode         { return OpQueryResponse }
func (StartDownload) Opcode() Opcode         { return OpStartDownload }
func (StartDownloadResponse) Opcode() Opcode { return OpStartDownloadResponse }

func (Initialize) sessionPacket()            {}
func (InitializeResponse) sessionPacket()    {}
func (Query) sessionPacket()                 {}
func (QueryResponse) sessionPacket()         {}
func (StartDownload) sessionPacket()         {}
func (StartDownloadResponse) sessionPacket() {}

// Marshal returns the enveloped encoding of p.
func Marshal(p Packet) ([]byte, error) {
	var payload []byte
	switch p := p.(type) {
	case Initialize:
		payload = binary.BigEndian.AppendUint16(payload, p.Version)
	case InitializeResponse:
		payload = binary.BigEndian.AppendUint16(payload, uint16(p.Code))
	case Query:
		if err := checkPath(p.Path, true); err != nil {
			return nil, err
		}
		payload = binary.BigEndian.AppendUint32(payload, p.Token)
		payload = append(payload, p.Path...)
	case QueryResponse:
		payload = binary.BigEndian.AppendUint32(payload, p.Token)
		payload = binary.BigEndian.AppendUint16(payload, uint16(p.Code))
		if p.Code != OK {
			if len(p.Entries) > 0 {
				return nil, ErrUnexpectedField
			}
			break
		}
		if len(p.Entries) > 0xFFFF {
			return nil, ErrTooManyEntries
		}
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(p.Entries)))
		for _, e := range p.Entries {
			if e.Type != EntryFile && e.Type != EntryDirectory {
				return nil, ErrUnknownType
			}
			if len(e.Name) > MaxNameLen {
				return nil, ErrNameTooLong
			}
			if !utf8.ValidString(e.Name) {
				return nil, ErrInvalidUTF8
			}
			payload = append(payload, uint8(e.Type), uint8(len(e.Name)))
			payload = append(payload, e.Name...)
			payload = binary.BigEndian.AppendUint32(payload, e.Size)
		}
	case StartDownload:
		if err := checkPath(p.Path, false); err != nil {
			return nil, err
		}
		payload = binary.BigEndian.AppendUint32(payload, p.Token)
		payload = binary.BigEndian.AppendUint32(payload, p.Offset)
		payload = append(payload, p.Path...)
	case StartDownloadResponse:
		payload = binary.BigEndian.AppendUint32(payload, p.Token)
		payload = binary.BigEndian.AppendUint16(payload, uint16(p.Code))
		if p.Code == OK {
			payload = binary.BigEndian.AppendUint16(payload, p.Port)
		} else if p.Port != 0 {
			return nil, ErrUnexpectedField
		}
	default:
		return nil, fmt.Errorf("session: cannot marshal %T", p)
	}
	return wire.Frame(uint8(p.Opcode()), payload)
}

// Unmarshal decodes payload according to opcode. Every length is checked
// against the bytes actually present.
func Unmarshal(opcode uint8, payload []byte) (Packet, error) {
	r := wire.NewReader(payload)
	switch Opcode(opcode) {
	case OpInitialize:
		v, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		return finish(Initialize{Version: v}, r)

	case OpInitializeResponse:
		c, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		return finish(InitializeResponse{Code: ResponseCode(c)}, r)

	case OpQuery:
		token, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		path := string(r.Rest())
		if err := checkPath(path, true); err != nil {
			return nil, err
		}
		return Query{Token: token, Path: path}, nil

	case OpQueryResponse:
		return unmarshalQueryResponse(r)

	case OpStartDownload:
		token, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		offset, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		path := string(r.Rest())
		if err := checkPath(path, false); err != nil {
			return nil, err
		}
		return StartDownload{Token: token, Offset: offset, Path: path}, nil

	case OpStartDownloadResponse:
		token, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		c, err := r.Uint16()
		if err != nil {
			return nil, err
		}
		p := StartDownloadResponse{Token: token, Code: ResponseCode(c)}
		if p.Code != OK {
			if r.Len() != 0 {
				return nil, ErrUnexpectedField
			}
			return p, nil
		}
		if p.Port, err = r.Uint16(); err != nil {
			return nil, err
		}
		return finish(p, r)
	}
	return nil, &wire.OpcodeError{Protocol: "session", Opcode: opcode}
}

func unmarshalQueryResponse(r *wire.Reader) (Packet, error) {
	token, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	c, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	p := QueryResponse{Token: token, Code: ResponseCode(c)}
	if p.Code != OK {
		if r.Len() != 0 {
			return nil, ErrUnexpectedField
		}
		return p, nil
	}

	count, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	// Smallest entry is 6 bytes; refuse counts the payload cannot hold
	// before allocating for them.
	if int(count)*6 > r.Len() {
		return nil, wire.ErrShortPayload
	}
	p.Entries = make([]Entry, 0, count)
	for range count {
		typ, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		if EntryType(typ) != EntryFile && EntryType(typ) != EntryDirectory {
			return nil, ErrUnknownType
		}
		nameLen, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		name, err := r.Bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(name) {
			return nil, ErrInvalidUTF8
		}
		size, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		p.Entries = append(p.Entries, Entry{Type: EntryType(typ), Name: string(name), Size: size})
	}
	return finish(p, r)
}

func checkPath(path string, rooted bool) error {
	if !utf8.ValidString(path) {
		return ErrInvalidUTF8
	}
	if rooted && (path == "" || path[0] != '/') {
		return ErrPathNotRooted
	}
	return nil
}

// FitEntries returns the longest prefix of entries that fits in a single
// QueryResponse.
func FitEntries(entries []Entry) []Entry {
	size := 4 + 2 + 2
	for i, e := range entries {
		if i == 0xFFFF || size+e.wireLen() > wire.MaxPayload {
			return entries[:i]
		}
		size += e.wireLen()
	}
	return entries
}

var decodeErrors = []error{
	wire.ErrShortHeader,
	wire.ErrShortPayload,
	wire.ErrTrailingBytes,
	ErrPathNotRooted,
	ErrInvalidUTF8,
	ErrUnknownType,
	ErrUnexpectedField,
}

// IsDecodeError reports whether err describes a malformed packet rather than
// a failure of the underlying stream.
func IsDecodeError(err error) bool {
	var opErr *wire.OpcodeError
	if errors.As(err, &opErr) {
		return true
	}
	for _, target := range decodeErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Source yields exactly n bytes per call; *sockbuf.Buffer satisfies it.
type Source interface {
	Read(ctx context.Context, n int) ([]byte, error)
}

// ReadPacket reads one enveloped packet from src. Stream errors are returned
// unchanged so callers can tell a closed connection from a malformed packet.
func ReadPacket(ctx context.Context, src Source) (Packet, error) {
	head, err := src.Read(ctx, wire.HeaderLen)
	if err != nil {
		return nil, err
	}
	h, err := wire.ParseHeader(head)
	if err != nil {
		return nil, err
	}
	payload, err := src.Read(ctx, int(h.Length))
	if err != nil {
		return nil, err
	}
	return Unmarshal(h.Opcode, payload)
}

// WritePacket marshals p and writes it in a single Write call.
func WritePacket(w io.Writer, p Packet) error {
	b, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func finish(p Packet, r *wire.Reader) (Packet, error) {
	if err := r.Done(); err != nil {
		return nil, err
	}
	return p, nil
}
