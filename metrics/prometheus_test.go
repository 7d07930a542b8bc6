package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordSessionCreated()
	m.RecordSessionCreated()
	m.RecordSessionEnded(1.5, false)
	m.RecordSessionEnded(0.5, true)
	m.RecordListenerJoined()
	m.RecordListenerLeft()
	m.RecordFrameRelayed(100)
	m.RecordFrameDropped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsErrored))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveListeners))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesRelayed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FramesDropped))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.BytesRelayed))
}

func TestMetrics_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics

	// A broker wired without metrics must not panic.
	m.RecordSessionCreated()
	m.RecordSessionEnded(1, true)
	m.RecordListenerJoined()
	m.RecordListenerLeft()
	m.RecordFrameRelayed(10)
	m.RecordFrameDropped()
}
