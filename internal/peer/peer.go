// Package peer implements the initiating side of a session: the handshake,
// directory queries and download negotiation against one remote node.
//
// A Session moves Connecting -> Connected -> Disconnected and never back.
// Requests are correlated with responses by per-session tokens; the receive
// loop resolves each pending request exactly once, and teardown fails every
// request still pending with ErrConnectionLost.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lana/internal/logging"
	"lana/internal/metrics"
	"lana/internal/sockbuf"
	"lana/internal/wire/session"
)

var (
	ErrConnectionLost  = errors.New("peer: connection lost")
	ErrDownloadStopped = errors.New("peer: download stopped")
	ErrNotConnected    = errors.New("peer: session not connected")
	ErrClosed          = errors.New("peer: session closed")
)

type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// HandshakeError is returned by Dial when the remote rejects INITIALIZE.
type HandshakeError struct {
	Code session.ResponseCode
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("peer: handshake rejected: %s", e.Code)
}

// ResponseError carries a non-OK response code for a query or download.
type ResponseError struct {
	Op   string
	Code session.ResponseCode
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("peer: %s failed: %s", e.Op, e.Code)
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Options struct {
	// DialTimeout bounds connecting plus the handshake. Zero means no limit
	// beyond the caller's context.
	DialTimeout time.Duration
	Logger      *zap.Logger
	// Dial opens the control connection and download side channels.
	// Defaults to a net.Dialer.
	Dial DialFunc
	// Name is the display name learned from discovery, if any.
	Name string
}

type queryResult struct {
	entries []session.Entry
	err     error
}

type downloadResult struct {
	conn net.Conn
	err  error
}

// pendingDownload is owned by whoever removes it from Session.downloads; the
// remover delivers the result unless conn is already set.
type pendingDownload struct {
	token   uint32
	dialing bool
	conn    net.Conn
	result  chan downloadResult
}

type Session struct {
	addr string
	log  *zap.Logger
	dial DialFunc

	conn net.Conn
	buf  *sockbuf.Buffer
	wmu  sync.Mutex

	state     atomic.Int32
	handshake chan session.ResponseCode
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	name         string
	err          error
	queries      map[uint32]chan queryResult
	downloads    map[uint32]*pendingDownload
	nextQuery    uint32
	nextDownload uint32
}

// Dial connects to addr and completes the INITIALIZE handshake. On any
// failure the returned error is non-nil and no Connected session exists.
func Dial(ctx context.Context, addr string, opts Options) (*Session, error) {
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}

	conn, err := opts.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s := newSession(conn, addr, opts)
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(conn net.Conn, addr string, opts Options) *Session {
	s := &Session{
		addr:      addr,
		log:       logging.Or(opts.Logger).Named("peer").With(zap.String("peer", addr)),
		dial:      opts.Dial,
		conn:      conn,
		buf:       sockbuf.New(conn),
		handshake: make(chan session.ResponseCode, 1),
		done:      make(chan struct{}),
		name:      opts.Name,
		queries:   make(map[uint32]chan queryResult),
		downloads: make(map[uint32]*pendingDownload),
	}
	s.state.Store(int32(Connecting))
	return s
}

func (s *Session) initialize(ctx context.Context) error {
	go s.receiveLoop()

	if err := s.send(session.Initialize{Version: session.ProtocolVersion}); err != nil {
		return err
	}

	select {
	case code := <-s.handshake:
		if code != session.OK {
			err := &HandshakeError{Code: code}
			s.teardown(err)
			return err
		}
		if !s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
			return s.lostError()
		}
		metrics.SessionUp()
		s.log.Info("Session connected")
		return nil
	case <-s.done:
		return s.lostError()
	case <-ctx.Done():
		s.teardown(ctx.Err())
		return fmt.Errorf("%w: %w", ErrConnectionLost, ctx.Err())
	}
}

func (s *Session) Addr() string { return s.addr }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is Disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended, or nil while it is alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Close disconnects the session.
func (s *Session) Close() error {
	s.teardown(ErrClosed)
	return nil
}

func (s *Session) lostError() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return ErrConnectionLost
}

// send writes p. A write failure tears the session down; an encoding
// failure only fails the caller.
func (s *Session) send(p session.Packet) error {
	b, err := session.Marshal(p)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	_, err = s.conn.Write(b)
	s.wmu.Unlock()
	if err != nil {
		s.teardown(err)
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	metrics.PacketSent(metrics.Session, p.Opcode().String())
	return nil
}

func (s *Session) receiveLoop() {
	for {
		p, err := session.ReadPacket(context.Background(), s.buf)
		if err != nil {
			if session.IsDecodeError(err) {
				metrics.DecodeError(metrics.Session)
				s.log.Warn("Malformed packet, closing session", zap.Error(err))
			}
			s.teardown(err)
			return
		}
		metrics.PacketReceived(metrics.Session, p.Opcode().String())
		s.dispatch(p)
	}
}

func (s *Session) dispatch(p session.Packet) {
	switch p := p.(type) {
	case session.InitializeResponse:
		if s.State() != Connecting {
			s.log.Warn("Unexpected INITIALIZE_RESPONSE")
			return
		}
		select {
		case s.handshake <- p.Code:
		default:
		}

	case session.QueryResponse:
		s.mu.Lock()
		ch, ok := s.queries[p.Token]
		delete(s.queries, p.Token)
		s.mu.Unlock()
		if !ok {
			s.log.Debug("Dropping response for unknown query", zap.Uint32("token", p.Token))
			return
		}
		if p.Code != session.OK {
			ch <- queryResult{err: &ResponseError{Op: "query", Code: p.Code}}
			return
		}
		ch <- queryResult{entries: p.Entries}

	case session.StartDownloadResponse:
		s.mu.Lock()
		d, ok := s.downloads[p.Token]
		if ok && d.dialing {
			ok = false
		} else if ok && p.Code != session.OK {
			delete(s.downloads, p.Token)
		} else if ok {
			d.dialing = true
		}
		s.mu.Unlock()
		if !ok {
			s.log.Debug("Dropping response for unknown download", zap.Uint32("token", p.Token))
			return
		}
		if p.Code != session.OK {
			d.result <- downloadResult{err: &ResponseError{Op: "download", Code: p.Code}}
			return
		}
		go s.openSideChannel(d, p.Port)

	default:
		s.log.Warn("Ignoring unexpected packet", zap.Stringer("opcode", p.Opcode()))
	}
}

// teardown moves the session to Disconnected and fails everything pending.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(Disconnected)))

		s.mu.Lock()
		s.err = cause
		queries, downloads := s.queries, s.downloads
		s.queries, s.downloads = nil, nil
		s.mu.Unlock()

		s.conn.Close()

		lost := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		for _, ch := range queries {
			ch <- queryResult{err: lost}
		}
		for _, d := range downloads {
			if d.conn != nil {
				d.conn.Close()
				continue
			}
			d.result <- downloadResult{err: lost}
		}

		if prev == Connected {
			metrics.SessionDown()
		}
		close(s.done)

		if errors.Is(cause, ErrClosed) {
			s.log.Info("Session closed")
		} else {
			s.log.Info("Session disconnected", zap.Error(cause))
		}
	})
}

// nextToken returns the counter's value, skipping tokens still in use, and
// advances the counter. The caller holds mu.
func nextToken(counter *uint32, inUse func(uint32) bool) uint32 {
	for {
		t := *counter
		*counter++
		if !inUse(t) {
			return t
		}
	}
}

// QueryDirectory lists the remote directory at path.
func (s *Session) QueryDirectory(ctx context.Context, path string) ([]session.Entry, error) {
	if s.State() != Connected {
		return nil, ErrNotConnected
	}
	ch := make(chan queryResult, 1)

	s.mu.Lock()
	if s.queries == nil {
		s.mu.Unlock()
		return nil, s.lostError()
	}
	token := nextToken(&s.nextQuery, func(t uint32) bool { _, ok := s.queries[t]; return ok })
	s.queries[token] = ch
	s.mu.Unlock()

	if err := s.send(session.Query{Token: token, Path: path}); err != nil {
		s.forgetQuery(token)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.entries, r.err
	case <-ctx.Done():
		s.forgetQuery(token)
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, ctx.Err())
	}
}

func (s *Session) forgetQuery(token uint32) {
	s.mu.Lock()
	delete(s.queries, token)
	s.mu.Unlock()
}
