// Package metrics provides Prometheus metrics for a lana node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Protocol label values.
const (
	Discovery = "discovery"
	Session   = "session"
)

var (
	packetsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lana_packets_received_total",
			Help: "Decoded packets by sub-protocol and opcode",
		},
		[]string{"protocol", "opcode"},
	)

	packetsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lana_packets_sent_total",
			Help: "Encoded packets written by sub-protocol and opcode",
		},
		[]string{"protocol", "opcode"},
	)

	decodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lana_decode_errors_total",
			Help: "Packets rejected by the codec",
		},
		[]string{"protocol"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lana_peer_sessions_active",
			Help: "Outbound peer sessions in the Connected state",
		},
	)

	inboundActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lana_inbound_connections_active",
			Help: "Accepted session connections currently being served",
		},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lana_transfer_bytes_total",
			Help: "File bytes moved over download side channels",
		},
		[]string{"direction"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lana_transfers_total",
			Help: "Served downloads by result",
		},
		[]string{"result"},
	)

	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lana_published_nodes",
			Help: "Nodes in the published directory tree",
		},
	)
)

func PacketReceived(protocol, opcode string) {
	packetsReceived.WithLabelValues(protocol, opcode).Inc()
}

func PacketSent(protocol, opcode string) {
	packetsSent.WithLabelValues(protocol, opcode).Inc()
}

func DecodeError(protocol string) {
	decodeErrors.WithLabelValues(protocol).Inc()
}

func SessionUp()   { sessionsActive.Inc() }
func SessionDown() { sessionsActive.Dec() }

func InboundUp()   { inboundActive.Inc() }
func InboundDown() { inboundActive.Dec() }

// BytesSent records file bytes written to a side channel.
func BytesSent(n int64) {
	transferBytes.WithLabelValues("sent").Add(float64(n))
}

// BytesReceived records file bytes read from a side channel.
func BytesReceived(n int64) {
	transferBytes.WithLabelValues("received").Add(float64(n))
}

// Transfer records the outcome of a served download ("ok", "error", "unclaimed").
func Transfer(result string) {
	transfersTotal.WithLabelValues(result).Inc()
}

func SetTreeNodes(n int) {
	treeNodes.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
