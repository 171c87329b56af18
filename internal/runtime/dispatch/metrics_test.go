package dispatch

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(reg)
	require.NoError(t, other.Register())
}

func TestMetrics_TopicCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.RecordNormalized("orders")
	m.RecordNormalized("orders")
	m.RecordMalformed("orders")
	m.RecordNormalized("payments")

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(3), snap.Records)
	assert.Equal(t, uint64(1), snap.Malformed)
	require.Contains(t, snap.Topics, "orders")
	assert.Equal(t, uint64(2), snap.Topics["orders"].Records)
	assert.False(t, snap.Topics["orders"].LastRecordAt.IsZero())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.recordsTotal.WithLabelValues("orders")))
}

func TestMetrics_TargetCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOffer("audit")
	m.RecordOffer("audit")
	m.RecordDrop("audit")
	m.RecordChainFailure("billing")
	m.RecordOfferFailure("billing")

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(2), snap.Offers)
	assert.Equal(t, uint64(1), snap.Drops)
	assert.Equal(t, uint64(1), snap.ChainFailures)
	assert.Equal(t, uint64(1), snap.OfferFailures)
	assert.Equal(t, uint64(2), snap.Targets["audit"].Offers)
	assert.False(t, snap.Targets["audit"].LastOfferAt.IsZero())
	assert.Equal(t, uint64(1), snap.Targets["billing"].OfferFailures)
}

func TestMetrics_GaugesAndBatches(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetBacklog(7)
	m.SetActiveWorkers(3)
	m.RecordBatch(true)
	m.RecordBatch(false)
	m.RecordRejected()
	m.ObserveUnit("orders", 5*time.Millisecond)

	snap := m.GetSnapshot()
	assert.Equal(t, 7, snap.Backlog)
	assert.Equal(t, 3, snap.ActiveWorkers)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.backlogGauge))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejectedTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.unitDuration))
}

func TestMetrics_SnapshotIsACopy(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordOffer("audit")

	snap := m.GetSnapshot()
	snap.Targets["audit"].Offers = 100

	assert.Equal(t, uint64(1), m.GetSnapshot().Targets["audit"].Offers)
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordNormalized("orders")
	m.RecordOffer("audit")

	m.Reset()

	snap := m.GetSnapshot()
	assert.Zero(t, snap.Records)
	assert.Zero(t, snap.Offers)
	assert.Empty(t, snap.Topics)
	assert.Empty(t, snap.Targets)
}
