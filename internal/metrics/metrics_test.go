package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(packetsReceived.WithLabelValues(Session, "QUERY"))
	PacketReceived(Session, "QUERY")
	PacketReceived(Session, "QUERY")
	assert.Equal(t, before+2, testutil.ToFloat64(packetsReceived.WithLabelValues(Session, "QUERY")))

	sent := testutil.ToFloat64(transferBytes.WithLabelValues("sent"))
	BytesSent(500)
	assert.Equal(t, sent+500, testutil.ToFloat64(transferBytes.WithLabelValues("sent")))
}

func TestGauges(t *testing.T) {
	base := testutil.ToFloat64(sessionsActive)
	SessionUp()
	SessionUp()
	SessionDown()
	assert.Equal(t, base+1, testutil.ToFloat64(sessionsActive))
	SessionDown()

	SetTreeNodes(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(treeNodes))
}
