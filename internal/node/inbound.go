package node

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lana/internal/metrics"
	"lana/internal/sockbuf"
	"lana/internal/vfs"
	"lana/internal/wire/session"
)

var errProtocol = errors.New("node: protocol violation")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Errors such as EMFILE persist; back off instead of spinning.
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			n.log.Warn("Accept failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		n.wg.Add(1)
		go n.serve(conn)
	}
}

// inbound is the accepting side of one session connection.
type inbound struct {
	n           *Node
	conn        net.Conn
	log         *zap.Logger
	initialized bool
}

func (n *Node) serve(conn net.Conn) {
	defer n.wg.Done()
	defer conn.Close()

	release, ok := n.track(conn)
	if !ok {
		return
	}
	defer release()

	metrics.InboundUp()
	defer metrics.InboundDown()

	c := &inbound{
		n:    n,
		conn: conn,
		log: n.log.With(
			zap.String("conn_id", uuid.NewString()),
			zap.String("remote", conn.RemoteAddr().String())),
	}
	c.log.Debug("Inbound session opened")

	buf := sockbuf.New(conn)
	for {
		p, err := session.ReadPacket(n.ctx, buf)
		if err != nil {
			if session.IsDecodeError(err) {
				metrics.DecodeError(metrics.Session)
				c.log.Warn("Malformed packet, closing inbound session", zap.Error(err))
			} else {
				c.log.Debug("Inbound session closed", zap.Error(err))
			}
			return
		}
		metrics.PacketReceived(metrics.Session, p.Opcode().String())

		if err := c.handle(p); err != nil {
			c.log.Warn("Closing inbound session", zap.Stringer("opcode", p.Opcode()), zap.Error(err))
			return
		}
	}
}

// handle answers one request. A non-nil error closes the connection.
func (c *inbound) handle(p session.Packet) error {
	if _, ok := p.(session.Initialize); !ok && !c.initialized {
		return errProtocol
	}

	switch p := p.(type) {
	case session.Initialize:
		if c.initialized {
			return errProtocol
		}
		if p.Version != session.ProtocolVersion {
			c.log.Info("Rejecting protocol version", zap.Uint16("version", p.Version))
			c.reply(session.InitializeResponse{Code: session.InitializeWrongVersion})
			return errors.New("wrong protocol version")
		}
		c.initialized = true
		return c.reply(session.InitializeResponse{Code: session.OK})

	case session.Query:
		return c.reply(c.query(p))

	case session.StartDownload:
		return c.reply(c.n.openTransfer(c.log, p))
	}
	return errProtocol
}

func (c *inbound) query(q session.Query) session.QueryResponse {
	entries, err := c.n.tree.List(q.Path)
	if err != nil {
		c.log.Debug("Query for missing directory", zap.String("path", q.Path), zap.Error(err))
		return session.QueryResponse{Token: q.Token, Code: session.QueryDirectoryNotFound}
	}

	out := make([]session.Entry, 0, len(entries))
	for _, e := range entries {
		typ := session.EntryFile
		if e.Kind == vfs.Directory {
			typ = session.EntryDirectory
		}
		out = append(out, session.Entry{Type: typ, Name: e.Name, Size: clampSize(e.Size)})
	}
	if fit := session.FitEntries(out); len(fit) < len(out) {
		c.log.Warn("Directory listing truncated",
			zap.String("path", q.Path), zap.Int("entries", len(out)), zap.Int("sent", len(fit)))
		out = fit
	}
	return session.QueryResponse{Token: q.Token, Code: session.OK, Entries: out}
}

func clampSize(n int64) uint32 {
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	if n < 0 {
		return 0
	}
	return uint32(n)
}

func (c *inbound) reply(p session.Packet) error {
	if err := session.WritePacket(c.conn, p); err != nil {
		return err
	}
	metrics.PacketSent(metrics.Session, p.Opcode().String())
	return nil
}
