// Package sockbuf turns a byte stream into exact-length reads.
//
// A Buffer pumps whatever the transport delivers into an internal slice and
// hands out exactly n bytes per Read, hiding TCP's delivery granularity. Only
// one Read may be outstanding at a time; this naturally serializes packet
// processing per connection.
package sockbuf

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrReadInProgress is returned when Read is called while another Read on the
// same Buffer has not returned yet.
var ErrReadInProgress = errors.New("sockbuf: read already in progress")

const pumpChunk = 32 * 1024

type Buffer struct {
	busy atomic.Bool

	mu     sync.Mutex
	buf    []byte
	err    error // transport error, set once by the pump
	failed error // sticky result after the first failed Read
	notify chan struct{}
}

// New starts pumping r. The pump exits when r returns an error, so closing
// the underlying connection releases it.
func New(r io.Reader) *Buffer {
	b := &Buffer{notify: make(chan struct{}, 1)}
	go b.pump(r)
	return b
}

func (b *Buffer) pump(r io.Reader) {
	chunk := make([]byte, pumpChunk)
	for {
		n, err := r.Read(chunk)
		b.mu.Lock()
		if n > 0 {
			b.buf = append(b.buf, chunk[:n]...)
		}
		if err != nil {
			b.err = err
		}
		b.mu.Unlock()
		b.signal()
		if err != nil {
			return
		}
	}
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Read blocks until exactly n bytes are available and returns them. Bytes
// buffered before the stream ended are still served; once fewer than n remain
// after the end, Read fails with io.EOF (nothing buffered),
// io.ErrUnexpectedEOF (partial), or the transport error, and every later
// Read fails the same way.
func (b *Buffer) Read(ctx context.Context, n int) ([]byte, error) {
	if !b.busy.CompareAndSwap(false, true) {
		return nil, ErrReadInProgress
	}
	defer b.busy.Store(false)

	for {
		b.mu.Lock()
		if b.failed != nil {
			err := b.failed
			b.mu.Unlock()
			return nil, err
		}
		if len(b.buf) >= n {
			out := b.buf[:n:n]
			b.buf = b.buf[n:]
			b.mu.Unlock()
			return out, nil
		}
		if b.err != nil {
			b.failed = b.terminalError()
			err := b.failed
			b.mu.Unlock()
			return nil, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Buffer) terminalError() error {
	if !errors.Is(b.err, io.EOF) {
		return b.err
	}
	if len(b.buf) > 0 {
		return io.ErrUnexpectedEOF
	}
	return io.EOF
}

// Buffered reports how many bytes are held but not yet handed out.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
