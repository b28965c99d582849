package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	resyncs        *prometheus.CounterVec
	writes         *prometheus.CounterVec
	connectivity   *prometheus.GaugeVec
	collectionSize *prometheus.GaugeVec
	pending        prometheus.Gauge
	batchDuration  prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partsync_resyncs_total",
			Help: "Resync attempts by result (applied, skipped_cooldown, failed).",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partsync_remote_writes_total",
			Help: "Remote writes by action and transport result.",
		}, []string{"action", "result"}),
		connectivity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "partsync_connectivity",
			Help: "1 for the current connectivity state, 0 otherwise.",
		}, []string{"state"}),
		collectionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "partsync_collection_items",
			Help: "Items held locally per collection.",
		}, []string{"collection"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "partsync_unconfirmed_actions",
			Help: "Local actions not yet observed in a remote read.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "partsync_batch_dispatch_seconds",
			Help:    "Wall time of serialized batch dispatches.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.resyncs, m.writes, m.connectivity, m.collectionSize, m.pending, m.batchDuration)
	}
	return m
}

func (m *Metrics) resync(result string) {
	if m == nil {
		return
	}
	m.resyncs.WithLabelValues(result).Inc()
}

func (m *Metrics) write(action string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.writes.WithLabelValues(action, result).Inc()
}

func (m *Metrics) state(st Status) {
	if m == nil {
		return
	}
	for _, c := range []Connectivity{Connected, ConnectivityError, Offline} {
		v := 0.0
		if c == st.Connectivity {
			v = 1
		}
		m.connectivity.WithLabelValues(string(c)).Set(v)
	}
	m.collectionSize.WithLabelValues("active").Set(float64(st.ActiveCount))
	m.collectionSize.WithLabelValues("sales").Set(float64(st.SalesCount))
	m.pending.Set(float64(st.PendingConfirmations))
}

func (m *Metrics) batch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}
