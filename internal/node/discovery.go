package node

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"lana/internal/metrics"
	"lana/internal/wire"
	"lana/internal/wire/discovery"
)

const multicastTTL = 4

// beacon owns the discovery socket: it answers queries, announces this node
// and hands every peer it hears about to the node's connect path.
type beacon struct {
	n       *Node
	log     *zap.Logger
	conn    *net.UDPConn
	group   *net.UDPAddr
	limiter *rate.Limiter
	local   map[string]bool
	stop    chan struct{}

	// write sends one datagram to the group.
	write func([]byte) error
}

func newBeacon(n *Node) *beacon {
	rps := n.cfg.DiscoveryReplyRPS
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &beacon{
		n:       n,
		log:     n.log.Named("discovery"),
		group:   &net.UDPAddr{IP: net.ParseIP(n.cfg.DiscoveryGroup), Port: n.cfg.DiscoveryPort},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		local:   localIPs(),
		stop:    make(chan struct{}),
	}
}

// listenBeacon binds the discovery port and joins the group on every
// multicast-capable interface that is up.
func listenBeacon(n *Node) (*beacon, error) {
	b := newBeacon(n)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: n.cfg.DiscoveryPort})
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)

	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, b.group); err != nil {
			b.log.Debug("Cannot join group on interface", zap.String("iface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		if err := pc.JoinGroup(nil, b.group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join %s: %w", b.group, err)
		}
		joined = 1
	}
	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		b.log.Debug("Cannot set multicast TTL", zap.Error(err))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		b.log.Debug("Cannot enable multicast loopback", zap.Error(err))
	}

	b.conn = conn
	b.write = func(p []byte) error {
		_, err := conn.WriteToUDP(p, b.group)
		return err
	}
	b.log.Info("Discovery listening", zap.Stringer("group", b.group), zap.Int("interfaces", joined))
	return b, nil
}

func localIPs() map[string]bool {
	out := map[string]bool{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out
}

func (b *beacon) readLoop() {
	defer b.n.wg.Done()
	buf := make([]byte, wire.HeaderLen+wire.MaxPayload)
	for {
		nr, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-b.stop:
				return
			default:
			}
			b.log.Debug("Discovery read failed", zap.Error(err))
			continue
		}
		b.handle(buf[:nr], src)
	}
}

func (b *beacon) announceLoop() {
	defer b.n.wg.Done()
	every := b.n.cfg.AnnounceInterval
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.query(); err != nil {
				b.log.Debug("Announce failed", zap.Error(err))
			}
		}
	}
}

// handle processes one datagram received from src.
func (b *beacon) handle(datagram []byte, src *net.UDPAddr) {
	p, err := discovery.Unmarshal(datagram)
	if err != nil {
		metrics.DecodeError(metrics.Discovery)
		b.log.Debug("Ignoring malformed datagram", zap.Stringer("from", src), zap.Error(err))
		return
	}
	metrics.PacketReceived(metrics.Discovery, p.Opcode().String())

	if b.local[src.IP.String()] && p.Sender() == b.n.Name() {
		return
	}

	if _, ok := p.(discovery.Query); ok {
		if b.limiter.Allow() {
			if err := b.send(discovery.QueryResponse{SenderName: b.n.Name()}); err != nil {
				b.log.Debug("Cannot answer query", zap.Error(err))
			}
		} else {
			b.log.Debug("Query reply rate limited", zap.Stringer("from", src))
		}
	}

	addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(b.n.cfg.SessionPort()))
	b.log.Debug("Heard peer", zap.String("peer", addr), zap.String("name", p.Sender()))
	go b.n.learnPeer(addr, p.Sender())
}

func (b *beacon) query() error {
	return b.send(discovery.Query{SenderName: b.n.Name()})
}

func (b *beacon) send(p discovery.Packet) error {
	datagram, err := discovery.Marshal(p)
	if err != nil {
		return err
	}
	if err := b.write(datagram); err != nil {
		return err
	}
	metrics.PacketSent(metrics.Discovery, p.Opcode().String())
	return nil
}

func (b *beacon) close() {
	close(b.stop)
	if b.conn != nil {
		b.conn.Close()
	}
}
