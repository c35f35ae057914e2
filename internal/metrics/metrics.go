// Package metrics exposes the counters and gauges of spec §4.8 over
// plain line-oriented Prometheus text exposition, simplified from the
// teacher's metrics/prometheus gatherer (which adapts a go-ethereum
// metrics.Registry) down to direct client_golang instruments, since
// this module has no existing geth-style registry to adapt from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dlncollector/backfill/internal/model"
)

// Metrics holds every instrument registered against Registry. It is
// constructed once at worker/CLI start and passed by reference to the
// components that record against it.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersTotal      *prometheus.GaugeVec
	ParseOutcomes    *prometheus.CounterVec
	PoolRequests     *prometheus.CounterVec
	PoolFailures     *prometheus.CounterVec
	EndpointCircuit  *prometheus.GaugeVec
	EndpointRPS      *prometheus.GaugeVec
	EndpointLatency  *prometheus.GaugeVec
	PushClients      prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		OrdersTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backfill",
			Name:      "orders_total",
			Help:      "Total orders stored, by event type.",
		}, []string{"event_type"}),

		ParseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backfill",
			Name:      "parse_outcomes_total",
			Help:      "Transaction parse outcomes by result.",
		}, []string{"outcome"}),

		PoolRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backfill",
			Name:      "rpc_pool_requests_total",
			Help:      "RPC pool requests issued, by endpoint.",
		}, []string{"endpoint"}),

		PoolFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backfill",
			Name:      "rpc_pool_failures_total",
			Help:      "RPC pool request failures, by endpoint.",
		}, []string{"endpoint"}),

		EndpointCircuit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backfill",
			Name:      "rpc_endpoint_circuit_state",
			Help:      "Per-endpoint circuit state: 0=closed, 0.5=half-open, 1=open.",
		}, []string{"endpoint"}),

		EndpointRPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backfill",
			Name:      "rpc_endpoint_requests_per_second",
			Help:      "Per-endpoint approximate current request rate.",
		}, []string{"endpoint"}),

		EndpointLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "backfill",
			Name:      "rpc_endpoint_latency_ms",
			Help:      "Per-endpoint average recent call latency in milliseconds.",
		}, []string{"endpoint"}),

		PushClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "backfill",
			Name:      "push_clients_connected",
			Help:      "Number of currently connected push fan-out clients.",
		}),
	}
}

// RecordOrderCounts sets the orders_total gauge from the store's
// aggregate counts.
func (m *Metrics) RecordOrderCounts(created, fulfilled uint64) {
	m.OrdersTotal.WithLabelValues(string(model.EventCreated)).Set(float64(created))
	m.OrdersTotal.WithLabelValues(string(model.EventFulfilled)).Set(float64(fulfilled))
}

// RecordParseOutcome increments the named outcome counter: "success",
// "failed", or "no_events".
func (m *Metrics) RecordParseOutcome(outcome string) {
	m.ParseOutcomes.WithLabelValues(outcome).Inc()
}

// RecordPoolRequest and RecordPoolFailure are called from the
// activities layer around each acquire/report_* pair.
func (m *Metrics) RecordPoolRequest(endpoint string) { m.PoolRequests.WithLabelValues(endpoint).Inc() }
func (m *Metrics) RecordPoolFailure(endpoint string) { m.PoolFailures.WithLabelValues(endpoint).Inc() }

// EndpointSnapshot is the minimal shape metrics needs from
// rpcpool.Snapshot, kept here to avoid an import-cycle-prone direct
// dependency on the rpcpool package's full type.
type EndpointSnapshot struct {
	Name         string
	CircuitValue float64
	ApproxRPS    float64
	AvgLatencyMS float64
}

// RecordEndpointSnapshots refreshes the per-endpoint gauges from a
// fresh rpcpool.Pool.Stats() read.
func (m *Metrics) RecordEndpointSnapshots(snapshots []EndpointSnapshot) {
	for _, s := range snapshots {
		m.EndpointCircuit.WithLabelValues(s.Name).Set(s.CircuitValue)
		m.EndpointRPS.WithLabelValues(s.Name).Set(s.ApproxRPS)
		m.EndpointLatency.WithLabelValues(s.Name).Set(s.AvgLatencyMS)
	}
}

// SetPushClients sets the connected-clients gauge to n.
func (m *Metrics) SetPushClients(n int) {
	m.PushClients.Set(float64(n))
}
