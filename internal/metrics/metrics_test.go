package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordOrderCountsSetsBothLabels(t *testing.T) {
	m := New()
	m.RecordOrderCounts(10, 5)

	require.Equal(t, float64(10), testutil.ToFloat64(m.OrdersTotal.WithLabelValues("created")))
	require.Equal(t, float64(5), testutil.ToFloat64(m.OrdersTotal.WithLabelValues("fulfilled")))
}

func TestRecordParseOutcomeIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordParseOutcome("success")
	m.RecordParseOutcome("success")
	m.RecordParseOutcome("failed")

	require.Equal(t, float64(2), testutil.ToFloat64(m.ParseOutcomes.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ParseOutcomes.WithLabelValues("failed")))
}

func TestRecordEndpointSnapshotsSetsGauges(t *testing.T) {
	m := New()
	m.RecordEndpointSnapshots([]EndpointSnapshot{
		{Name: "primary", CircuitValue: 0.5, ApproxRPS: 12, AvgLatencyMS: 88},
	})

	require.Equal(t, 0.5, testutil.ToFloat64(m.EndpointCircuit.WithLabelValues("primary")))
	require.Equal(t, float64(12), testutil.ToFloat64(m.EndpointRPS.WithLabelValues("primary")))
	require.Equal(t, float64(88), testutil.ToFloat64(m.EndpointLatency.WithLabelValues("primary")))
}

func TestSetPushClients(t *testing.T) {
	m := New()
	m.SetPushClients(3)
	require.Equal(t, float64(3), testutil.ToFloat64(m.PushClients))
}
