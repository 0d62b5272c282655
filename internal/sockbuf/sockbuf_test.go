package sockbuf

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReassemblesFragments(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)
	ctx := context.Background()

	go func() {
		for _, frag := range [][]byte{{1}, {2, 3}, {4, 5, 6, 7}} {
			pw.Write(frag)
		}
	}()

	got, err := b.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	got, err = b.Read(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6, 7}, got)
}

func TestReadSlicesExactPrefix(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)
	ctx := context.Background()

	go pw.Write([]byte("headerpayload"))

	head, err := b.Read(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, "header", string(head))
	assert.Equal(t, 6, cap(head))

	body, err := b.Read(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, 0, b.Buffered())
}

func TestReadZeroBytes(t *testing.T) {
	pr, _ := io.Pipe()
	b := New(pr)
	got, err := b.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBufferedDataServedAfterClose(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)
	ctx := context.Background()

	go func() {
		pw.Write([]byte{9, 8, 7})
		pw.Close()
	}()

	got, err := b.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, got)

	_, err = b.Read(ctx, 1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestShortStreamFailsAndStaysFailed(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)
	ctx := context.Background()

	go func() {
		pw.Write([]byte{1, 2})
		pw.Close()
	}()

	_, err := b.Read(ctx, 4)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Two bytes are still buffered but the buffer is no longer serviceable.
	_, err = b.Read(ctx, 1)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTransportErrorResolvesOutstandingRead(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)
	boom := errors.New("connection reset")

	done := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background(), 10)
		done <- err
	}()

	pw.CloseWithError(boom)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding read was not resolved")
	}
}

func TestConcurrentReadFailsFast(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := b.Read(context.Background(), 4)
		done <- err
	}()
	<-started
	require.Eventually(t, func() bool { return b.busy.Load() }, time.Second, time.Millisecond)

	_, err := b.Read(context.Background(), 1)
	assert.ErrorIs(t, err, ErrReadInProgress)

	pw.Write([]byte{1, 2, 3, 4})
	assert.NoError(t, <-done)
}

func TestReadHonoursContext(t *testing.T) {
	pr, pw := io.Pipe()
	b := New(pr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Read(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Nothing was consumed; a later read still works.
	go pw.Write([]byte{42})
	got, err := b.Read(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, got)
}

func TestOverNetConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	b := New(server)

	go func() {
		client.Write([]byte{0, 0, 2})
		client.Write([]byte{0xAB, 0xCD})
		client.Close()
	}()

	head, err := b.Read(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 2}, head)
	body, err := b.Read(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, body)
	_, err = b.Read(context.Background(), 1)
	assert.Error(t, err)
}
