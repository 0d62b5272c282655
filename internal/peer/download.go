package peer

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"lana/internal/metrics"
	"lana/internal/wire/session"
)

// Download streams one remote file over its side channel. Closing it stops
// the download.
type Download struct {
	s     *Session
	token uint32
	conn  net.Conn
}

func (d *Download) Token() uint32 { return d.token }

func (d *Download) Read(p []byte) (int, error) {
	n, err := d.conn.Read(p)
	if n > 0 {
		metrics.BytesReceived(int64(n))
	}
	return n, err
}

func (d *Download) Close() error {
	d.s.StopDownload(d.token)
	return nil
}

// StartDownload asks the peer to serve path from offset and connects to the
// side channel it announces. It returns once that connection is established.
func (s *Session) StartDownload(ctx context.Context, path string, offset uint32) (*Download, error) {
	if s.State() != Connected {
		return nil, ErrNotConnected
	}
	d := &pendingDownload{result: make(chan downloadResult, 1)}

	s.mu.Lock()
	if s.downloads == nil {
		s.mu.Unlock()
		return nil, s.lostError()
	}
	d.token = nextToken(&s.nextDownload, func(t uint32) bool { _, ok := s.downloads[t]; return ok })
	s.downloads[d.token] = d
	s.mu.Unlock()

	if err := s.send(session.StartDownload{Token: d.token, Offset: offset, Path: path}); err != nil {
		s.StopDownload(d.token)
		return nil, err
	}

	select {
	case r := <-d.result:
		if r.err != nil {
			return nil, r.err
		}
		return &Download{s: s, token: d.token, conn: r.conn}, nil
	case <-ctx.Done():
		s.StopDownload(d.token)
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, ctx.Err())
	}
}

// StopDownload closes the side channel for token if it is open, or abandons
// the request if the peer has not answered yet. Unknown tokens are ignored.
func (s *Session) StopDownload(token uint32) {
	s.mu.Lock()
	d, ok := s.downloads[token]
	delete(s.downloads, token)
	s.mu.Unlock()
	if !ok {
		return
	}
	if d.conn != nil {
		d.conn.Close()
		return
	}
	d.result <- downloadResult{err: ErrDownloadStopped}
	s.log.Debug("Download abandoned before side channel opened", zap.Uint32("token", token))
}

// openSideChannel runs outside the receive loop so a slow connect never
// stalls other responses.
func (s *Session) openSideChannel(d *pendingDownload, port uint16) {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		host = s.addr
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		cancel()
	}()
	conn, err := s.dial(ctx, "tcp", addr)
	cancel()

	s.mu.Lock()
	cur, live := s.downloads[d.token]
	live = live && cur == d
	if live && err != nil {
		delete(s.downloads, d.token)
	} else if live {
		d.conn = conn
	}
	s.mu.Unlock()

	switch {
	case !live:
		if conn != nil {
			conn.Close()
		}
	case err != nil:
		s.log.Warn("Side channel connect failed", zap.Uint32("token", d.token), zap.String("addr", addr), zap.Error(err))
		d.result <- downloadResult{err: fmt.Errorf("side channel %s: %w", addr, err)}
	default:
		s.log.Debug("Side channel open", zap.Uint32("token", d.token), zap.String("addr", addr))
		d.result <- downloadResult{conn: conn}
	}
}
