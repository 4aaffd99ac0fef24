package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exchange/execution/internal/governor"
)

// Metrics holds Prometheus metrics for the execution engine.
type Metrics struct {
	RequestWeight   prometheus.Gauge
	GovernorRisk    prometheus.Gauge
	OrdersPlaced    *prometheus.CounterVec
	OrdersCanceled  *prometheus.CounterVec
	BatchLatency    prometheus.Histogram
	WaitingEntries  prometheus.Gauge
	StreamReconnect prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		RequestWeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_used_weight_1m",
			Help: "Last observed one minute request weight.",
		}),
		GovernorRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_risk_level",
			Help: "Rate limit risk level: 0 normal, 1 elevated, 2 critical.",
		}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_placed_total",
			Help: "Total orders placed by leg kind and outcome.",
		}, []string{"kind", "outcome"}),
		OrdersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_canceled_total",
			Help: "Total orders canceled by source.",
		}, []string{"source"}),
		BatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_execution_seconds",
			Help:    "Whole batch execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		WaitingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waiting_exits",
			Help: "Deferred take profit entries currently waiting.",
		}),
		StreamReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Total user data stream reconnect attempts.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.RequestWeight,
		m.GovernorRisk,
		m.OrdersPlaced,
		m.OrdersCanceled,
		m.BatchLatency,
		m.WaitingEntries,
		m.StreamReconnect,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveGovernor updates the weight and risk gauges from a snapshot.
func (m *Metrics) ObserveGovernor(snap governor.Snapshot) {
	m.RequestWeight.Set(float64(snap.UsedWeight1m))
	m.GovernorRisk.Set(riskValue(snap.Risk))
}

// ObserveBatchLatency records whole batch execution latency.
func (m *Metrics) ObserveBatchLatency(d time.Duration) {
	m.BatchLatency.Observe(d.Seconds())
}

// IncOrderPlaced increments the placed counter for a leg kind.
func (m *Metrics) IncOrderPlaced(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.OrdersPlaced.WithLabelValues(kind, outcome).Inc()
}

// IncOrderCanceled increments the canceled counter for a source.
func (m *Metrics) IncOrderCanceled(source string) {
	m.OrdersCanceled.WithLabelValues(source).Inc()
}

// SetWaitingEntries updates the waiting registry size gauge.
func (m *Metrics) SetWaitingEntries(n int) {
	m.WaitingEntries.Set(float64(n))
}

// IncStreamReconnect increments the reconnect counter by 1.
func (m *Metrics) IncStreamReconnect() {
	m.StreamReconnect.Inc()
}

func riskValue(risk governor.RiskLevel) float64 {
	switch risk {
	case governor.RiskElevated:
		return 1
	case governor.RiskCritical:
		return 2
	}
	return 0
}
