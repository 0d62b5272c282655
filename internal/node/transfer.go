package node

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"lana/internal/metrics"
	"lana/internal/vfs"
	"lana/internal/wire/session"
)

// openTransfer prepares the side channel for one START_DOWNLOAD. The
// listener is bound before the response is built, so a peer can never see a
// port that is not yet accepting.
func (n *Node) openTransfer(log *zap.Logger, req session.StartDownload) session.StartDownloadResponse {
	log = log.With(zap.Uint32("token", req.Token), zap.String("path", req.Path))
	notFound := session.StartDownloadResponse{Token: req.Token, Code: session.StartDownloadFileNotFound}

	loc, err := n.tree.Find(req.Path)
	if err != nil || loc.Entry.Kind != vfs.File {
		log.Debug("Download of missing file", zap.Error(err))
		return notFound
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		log.Error("Cannot open side channel listener", zap.Error(err))
		return notFound
	}
	release, ok := n.track(ln)
	if !ok {
		ln.Close()
		return notFound
	}

	port := ln.Addr().(*net.TCPAddr).Port
	log.Debug("Side channel listening", zap.Int("port", port))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer release()
		n.serveTransfer(log, ln, req)
	}()
	return session.StartDownloadResponse{Token: req.Token, Code: session.OK, Port: uint16(port)}
}

// serveTransfer accepts exactly one connection on ln and streams the file
// into it from the requested offset. ln is closed before any byte is sent.
func (n *Node) serveTransfer(log *zap.Logger, ln *net.TCPListener, req session.StartDownload) {
	if d := n.cfg.TransferAcceptTimeout; d > 0 {
		ln.SetDeadline(time.Now().Add(d))
	}
	conn, err := ln.AcceptTCP()
	ln.Close()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			log.Warn("Side channel never claimed")
			metrics.Transfer("unclaimed")
		} else {
			log.Debug("Side channel closed before accept", zap.Error(err))
			metrics.Transfer("error")
		}
		return
	}
	defer conn.Close()

	release, ok := n.track(conn)
	if !ok {
		return
	}
	defer release()

	rc, size, err := n.tree.Open(req.Path, int64(req.Offset))
	if err != nil {
		log.Warn("Cannot open published file", zap.Error(err))
		metrics.Transfer("error")
		return
	}
	defer rc.Close()

	start := time.Now()
	written, err := io.Copy(conn, rc)
	metrics.BytesSent(written)
	if err != nil {
		log.Warn("Transfer aborted", zap.Int64("sent", written), zap.Error(err))
		metrics.Transfer("error")
		return
	}
	metrics.Transfer("ok")
	log.Info("Transfer complete",
		zap.Int64("bytes", written),
		zap.Int64("size", size),
		zap.Uint32("offset", req.Offset),
		zap.Duration("took", time.Since(start)))
}
