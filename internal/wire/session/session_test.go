package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lana/internal/sockbuf"
	"lana/internal/wire"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	b, err := Marshal(p)
	require.NoError(t, err)
	h, err := wire.ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, uint8(p.Opcode()), h.Opcode)
	require.Equal(t, len(b)-wire.HeaderLen, int(h.Length))
	got, err := Unmarshal(h.Opcode, b[wire.HeaderLen:])
	require.NoError(t, err)
	return got
}

func TestRoundTrip(t *testing.T) {
	maxPath := "/" + strings.Repeat("p", wire.MaxPayload-4-1)

	tests := []struct {
		name string
		p    Packet
	}{
		{"initialize", Initialize{Version: ProtocolVersion}},
		{"initialize response", InitializeResponse{Code: InitializeWrongVersion}},
		{"query", Query{Token: 7, Path: "/docs"}},
		{"query root", Query{Token: 0, Path: "/"}},
		{"query max path", Query{Token: 0xFFFFFFFF, Path: maxPath}},
		{"listing", QueryResponse{Token: 3, Code: OK, Entries: []Entry{
			{Type: EntryDirectory, Name: "music", Size: 12},
			{Type: EntryFile, Name: "report.txt", Size: 500},
			{Type: EntryFile, Name: strings.Repeat("n", MaxNameLen), Size: 0xFFFFFFFF},
		}}},
		{"empty listing", QueryResponse{Token: 4, Code: OK, Entries: []Entry{}}},
		{"not found", QueryResponse{Token: 5, Code: QueryDirectoryNotFound}},
		{"start download", StartDownload{Token: 1, Offset: 100, Path: "/docs/report.txt"}},
		{"download ok", StartDownloadResponse{Token: 1, Code: OK, Port: 40123}},
		{"download missing", StartDownloadResponse{Token: 2, Code: StartDownloadFileNotFound}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.p, roundTrip(t, tt.p))
		})
	}
}

func TestWireLayout(t *testing.T) {
	b, err := Marshal(Query{Token: 0x01020304, Path: "/a"})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 6, 1, 2, 3, 4, '/', 'a'}, b)

	b, err = Marshal(QueryResponse{Token: 1, Code: OK, Entries: []Entry{{Type: EntryDirectory, Name: "x", Size: 2}}})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		3, 0, 15,
		0, 0, 0, 1, // token
		0, 0, // code
		0, 1, // count
		1, 1, 'x', 0, 0, 0, 2,
	}, b)

	b, err = Marshal(StartDownloadResponse{Token: 9, Code: StartDownloadFileNotFound})
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 0, 6, 0, 0, 0, 9, 0, 3}, b)
}

func TestMarshalRejects(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
		want error
	}{
		{"unrooted query", Query{Path: "docs"}, ErrPathNotRooted},
		{"empty query", Query{}, ErrPathNotRooted},
		{"long path", Query{Path: "/" + strings.Repeat("p", wire.MaxPayload-4)}, wire.ErrPayloadTooLarge},
		{"long name", QueryResponse{Entries: []Entry{{Name: strings.Repeat("n", MaxNameLen+1)}}}, ErrNameTooLong},
		{"bad type", QueryResponse{Entries: []Entry{{Type: 2, Name: "x"}}}, ErrUnknownType},
		{"entries on error", QueryResponse{Code: QueryDirectoryNotFound, Entries: []Entry{{Name: "x"}}}, ErrUnexpectedField},
		{"port on error", StartDownloadResponse{Code: StartDownloadFileNotFound, Port: 1}, ErrUnexpectedField},
		{"bad utf8", StartDownload{Path: "/\xff"}, ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Marshal(tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name    string
		opcode  Opcode
		payload []byte
		want    error
	}{
		{"short initialize", OpInitialize, []byte{0}, wire.ErrShortPayload},
		{"long initialize", OpInitialize, []byte{0, 1, 0}, wire.ErrTrailingBytes},
		{"short query", OpQuery, []byte{0, 0, 0}, wire.ErrShortPayload},
		{"unrooted query", OpQuery, []byte{0, 0, 0, 1, 'a'}, ErrPathNotRooted},
		{"truncated entry", OpQueryResponse, []byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 3, 'a', 'b'}, wire.ErrShortPayload},
		{"count beyond payload", OpQueryResponse, []byte{0, 0, 0, 1, 0, 0, 0xFF, 0xFF, 0, 0, 0, 0, 0, 0}, wire.ErrShortPayload},
		{"trailing entry bytes", OpQueryResponse, []byte{0, 0, 0, 1, 0, 0, 0, 0, 9}, wire.ErrTrailingBytes},
		{"unknown entry type", OpQueryResponse, []byte{0, 0, 0, 1, 0, 0, 0, 1, 4, 0, 0, 0, 0, 0}, ErrUnknownType},
		{"error listing with payload", OpQueryResponse, []byte{0, 0, 0, 1, 0, 2, 0, 0}, ErrUnexpectedField},
		{"error download with port", OpStartDownloadResponse, []byte{0, 0, 0, 1, 0, 3, 0x1F, 0x90}, ErrUnexpectedField},
		{"ok download without port", OpStartDownloadResponse, []byte{0, 0, 0, 1, 0, 0}, wire.ErrShortPayload},
		{"short start download", OpStartDownload, []byte{0, 0, 0, 1, 0, 0}, wire.ErrShortPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(uint8(tt.opcode), tt.payload)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Unmarshal(6, nil)
	var opErr *wire.OpcodeError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "session", opErr.Protocol)
}

func TestFitEntries(t *testing.T) {
	name := strings.Repeat("n", MaxNameLen)
	entries := make([]Entry, 300)
	for i := range entries {
		entries[i] = Entry{Name: name}
	}
	fit := FitEntries(entries)
	require.Less(t, len(fit), len(entries))

	_, err := Marshal(QueryResponse{Code: OK, Entries: fit})
	require.NoError(t, err)
	_, err = Marshal(QueryResponse{Code: OK, Entries: entries[:len(fit)+1]})
	assert.ErrorIs(t, err, wire.ErrPayloadTooLarge)

	small := entries[:3]
	assert.Equal(t, small, FitEntries(small))
}

func TestReadPacketFromStream(t *testing.T) {
	var stream bytes.Buffer
	require.NoError(t, WritePacket(&stream, Initialize{Version: ProtocolVersion}))
	require.NoError(t, WritePacket(&stream, Query{Token: 1, Path: "/"}))
	require.NoError(t, WritePacket(&stream, QueryResponse{Token: 1, Code: OK, Entries: []Entry{}}))

	buf := sockbuf.New(&stream)
	ctx := context.Background()

	p, err := ReadPacket(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, Initialize{Version: ProtocolVersion}, p)

	p, err = ReadPacket(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, Query{Token: 1, Path: "/"}, p)

	p, err = ReadPacket(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, QueryResponse{Token: 1, Code: OK, Entries: []Entry{}}, p)

	_, err = ReadPacket(ctx, buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadPacketTruncatedStream(t *testing.T) {
	b, err := Marshal(Query{Token: 1, Path: "/docs"})
	require.NoError(t, err)

	buf := sockbuf.New(bytes.NewReader(b[:len(b)-2]))
	_, err = ReadPacket(context.Background(), buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestIsDecodeError(t *testing.T) {
	_, err := Unmarshal(uint8(OpQuery), []byte{0})
	assert.True(t, IsDecodeError(err))

	_, err = Unmarshal(42, nil)
	assert.True(t, IsDecodeError(err))

	assert.False(t, IsDecodeError(io.EOF))
	assert.False(t, IsDecodeError(io.ErrUnexpectedEOF))
	assert.False(t, IsDecodeError(context.Canceled))
}
