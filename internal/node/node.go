// Package node is the local participant in the network: it owns the
// published tree, serves inbound sessions, finds peers by multicast and keeps
// at most one outbound session per peer address.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"

	"go.uber.org/zap"

	"lana/internal/config"
	"lana/internal/logging"
	"lana/internal/metrics"
	"lana/internal/peer"
	"lana/internal/vfs"
	"lana/internal/wire/session"
)

var (
	ErrAlreadyKnown      = errors.New("node: peer address already known")
	ErrUnknownPeer       = errors.New("node: no connected peer at that address")
	ErrDiscoveryDisabled = errors.New("node: discovery is disabled")
	ErrNotStarted        = errors.New("node: not started")
)

type EventType int

const (
	PeerConnected EventType = iota
	PeerDisconnected
	PeerFailed
)

func (t EventType) String() string {
	switch t {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	}
	return "unknown"
}

// Event notifies the front end about peer session changes. Err is set for
// PeerFailed and PeerDisconnected.
type Event struct {
	Type EventType
	Addr string
	Name string
	Err  error
}

// PeerInfo is a snapshot of one known peer.
type PeerInfo struct {
	Addr  string
	Name  string
	State peer.State
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithEventHandler registers fn for peer events. fn runs on internal
// goroutines and must not block.
func WithEventHandler(fn func(Event)) Option {
	return func(n *Node) { n.onEvent = fn }
}

func WithHostFS(fs vfs.HostFS) Option {
	return func(n *Node) { n.hostFS = fs }
}

// WithDialer replaces the dialer used for sessions and side channels.
func WithDialer(d peer.DialFunc) Option {
	return func(n *Node) { n.dial = d }
}

// peerSlot reserves an address while its session is being dialed.
type peerSlot struct {
	name string
	sess *peer.Session
}

type Node struct {
	cfg     config.Config
	log     *zap.Logger
	tree    *vfs.Tree
	onEvent func(Event)
	hostFS  vfs.HostFS
	dial    peer.DialFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	name    string
	peers   map[string]*peerSlot
	ln      net.Listener
	beacon  *beacon
	closers map[io.Closer]struct{}
	closed  bool
}

func New(cfg config.Config, opts ...Option) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		name:    cfg.Name,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peerSlot),
		closers: make(map[io.Closer]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logging.Or(n.log).Named("node")
	n.tree = vfs.New(n.hostFS, n.log)
	return n
}

// Start binds the session listener and, if enabled, the discovery socket.
// Failing to bind either is fatal; everything after that is best-effort.
func (n *Node) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bind session listener %s: %w", n.cfg.ListenAddr, err)
	}

	var b *beacon
	if n.cfg.DiscoveryEnabled {
		b, err = listenBeacon(n)
		if err != nil {
			ln.Close()
			return fmt.Errorf("bind discovery %s:%d: %w", n.cfg.DiscoveryGroup, n.cfg.DiscoveryPort, err)
		}
	}

	n.mu.Lock()
	n.ln, n.beacon = ln, b
	n.mu.Unlock()

	n.wg.Add(1)
	go n.acceptLoop(ln)

	if b != nil {
		n.wg.Add(2)
		go b.readLoop()
		go b.announceLoop()
		if err := b.query(); err != nil {
			n.log.Warn("Initial discovery query failed", zap.Error(err))
		}
	}

	n.log.Info("Node started",
		zap.String("name", n.Name()),
		zap.String("listen", ln.Addr().String()),
		zap.Bool("discovery", b != nil))
	return nil
}

// Addr is the bound session listener address.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return ""
	}
	return n.ln.Addr().String()
}

func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// SetName changes the name sent in later discovery packets.
func (n *Node) SetName(name string) {
	n.mu.Lock()
	n.name = name
	n.mu.Unlock()
	n.log.Info("Name changed", zap.String("name", name))
}

func (n *Node) Publish(ctx context.Context, hostPath, vpath string) error {
	err := n.tree.Publish(ctx, hostPath, vpath)
	metrics.SetTreeNodes(n.tree.Len())
	return err
}

// Unpublish removes vpath. A path that does not resolve is not an error.
func (n *Node) Unpublish(vpath string) error {
	err := n.tree.Unpublish(vpath)
	metrics.SetTreeNodes(n.tree.Len())
	if errors.Is(err, vfs.ErrNotFound) || errors.Is(err, vfs.ErrNotDirectory) {
		return nil
	}
	return err
}

// List returns the local directory at vpath.
func (n *Node) List(vpath string) ([]vfs.Entry, error) {
	return n.tree.List(vpath)
}

func (n *Node) emit(e Event) {
	if n.onEvent != nil {
		n.onEvent(e)
	}
}

// Connect opens a session to addr. Every peer address gets at most one
// session; an address already connected or being dialed returns
// ErrAlreadyKnown.
func (n *Node) Connect(ctx context.Context, addr string) (*peer.Session, error) {
	return n.connect(ctx, addr, "")
}

func (n *Node) connect(ctx context.Context, addr, name string) (*peer.Session, error) {
	addr = canonicalAddr(ctx, addr)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, net.ErrClosed
	}
	if _, ok := n.peers[addr]; ok {
		n.mu.Unlock()
		return nil, ErrAlreadyKnown
	}
	slot := &peerSlot{name: name}
	n.peers[addr] = slot
	n.mu.Unlock()

	s, err := peer.Dial(ctx, addr, peer.Options{
		DialTimeout: n.cfg.DialTimeout,
		Logger:      n.log,
		Dial:        n.dial,
		Name:        name,
	})
	if err != nil {
		n.mu.Lock()
		delete(n.peers, addr)
		n.mu.Unlock()
		n.log.Warn("Peer connection failed", zap.String("peer", addr), zap.Error(err))
		n.emit(Event{Type: PeerFailed, Addr: addr, Name: name, Err: err})
		return nil, err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		s.Close()
		return nil, net.ErrClosed
	}
	slot.sess = s
	// A discovery packet may have named the peer while dialing.
	s.SetName(slot.name)
	n.wg.Add(1)
	n.mu.Unlock()

	n.emit(Event{Type: PeerConnected, Addr: addr, Name: s.Name()})
	go n.watch(addr, slot)
	return s, nil
}

func (n *Node) watch(addr string, slot *peerSlot) {
	defer n.wg.Done()
	<-slot.sess.Done()

	n.mu.Lock()
	if n.peers[addr] == slot {
		delete(n.peers, addr)
	}
	n.mu.Unlock()

	n.emit(Event{Type: PeerDisconnected, Addr: addr, Name: slot.sess.Name(), Err: slot.sess.Err()})
}

// canonicalAddr rewrites addr as ip:port so one peer reached by different
// spellings maps to one slot. Hostnames prefer an IPv4 address, the family
// discovery reports. Unresolvable input is returned unchanged.
func canonicalAddr(ctx context.Context, addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return net.JoinHostPort(ip.Unmap().String(), port)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return addr
	}
	pick := ips[0]
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			pick = ip
			break
		}
	}
	return net.JoinHostPort(pick.Unmap().String(), port)
}

// learnPeer records a discovered peer's name and connects if it is new.
func (n *Node) learnPeer(addr, name string) {
	addr = canonicalAddr(n.ctx, addr)
	n.mu.Lock()
	if slot, ok := n.peers[addr]; ok {
		slot.name = name
		if slot.sess != nil {
			slot.sess.SetName(name)
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if _, err := n.connect(n.ctx, addr, name); err != nil && !errors.Is(err, ErrAlreadyKnown) {
		n.log.Debug("Discovered peer unreachable", zap.String("peer", addr), zap.Error(err))
	}
}

// Disconnect closes the session to addr.
func (n *Node) Disconnect(addr string) error {
	s, err := n.Peer(addr)
	if err != nil {
		return err
	}
	return s.Close()
}

// Peers lists known peers sorted by address.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	out := make([]PeerInfo, 0, len(n.peers))
	for addr, slot := range n.peers {
		info := PeerInfo{Addr: addr, Name: slot.name, State: peer.Connecting}
		if slot.sess != nil {
			info.Name = slot.sess.Name()
			info.State = slot.sess.State()
		}
		out = append(out, info)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Peer returns the connected session for addr.
func (n *Node) Peer(addr string) (*peer.Session, error) {
	addr = canonicalAddr(n.ctx, addr)
	n.mu.Lock()
	defer n.mu.Unlock()
	slot, ok := n.peers[addr]
	if !ok || slot.sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return slot.sess, nil
}

// ListDirectory queries a connected peer's directory.
func (n *Node) ListDirectory(ctx context.Context, addr, vpath string) ([]session.Entry, error) {
	s, err := n.Peer(addr)
	if err != nil {
		return nil, err
	}
	return s.QueryDirectory(ctx, vpath)
}

// Download starts streaming vpath from a connected peer.
func (n *Node) Download(ctx context.Context, addr, vpath string, offset uint32) (*peer.Download, error) {
	s, err := n.Peer(addr)
	if err != nil {
		return nil, err
	}
	return s.StartDownload(ctx, vpath, offset)
}

// Announce multicasts a discovery query so peers answer and connect.
func (n *Node) Announce() error {
	n.mu.Lock()
	b := n.beacon
	n.mu.Unlock()
	if b == nil {
		if n.cfg.DiscoveryEnabled {
			return ErrNotStarted
		}
		return ErrDiscoveryDisabled
	}
	return b.query()
}

// track registers c to be closed by Close and returns its release func.
func (n *Node) track(c io.Closer) (release func(), ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, false
	}
	n.closers[c] = struct{}{}
	return func() {
		n.mu.Lock()
		delete(n.closers, c)
		n.mu.Unlock()
	}, true
}

// Close stops listeners, inbound connections, side channels and sessions.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	ln, b := n.ln, n.beacon
	closers := n.closers
	n.closers = nil
	var sessions []*peer.Session
	for _, slot := range n.peers {
		if slot.sess != nil {
			sessions = append(sessions, slot.sess)
		}
	}
	n.mu.Unlock()

	n.cancel()
	if ln != nil {
		ln.Close()
	}
	if b != nil {
		b.close()
	}
	for c := range closers {
		c.Close()
	}
	for _, s := range sessions {
		s.Close()
	}
	n.wg.Wait()
	n.log.Info("Node stopped")
	return nil
}
