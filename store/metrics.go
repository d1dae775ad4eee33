package store

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records operation outcomes. All methods are nil-safe, so an
// unconfigured client pays only a nil check.
type Metrics struct {
	ops        *prometheus.CounterVec
	conflicts  prometheus.Counter
	reconnects prometheus.Counter
	bulkSize   prometheus.Histogram
}

// NewMetrics builds and registers the connector's collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wicker",
			Name:      "operations_total",
			Help:      "Store operations by type and outcome.",
		}, []string{"op", "status"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wicker",
			Name:      "conflicts_total",
			Help:      "Writes rejected for a stale or duplicate revision.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wicker",
			Name:      "feed_reconnects_total",
			Help:      "Change feed reconnection attempts.",
		}),
		bulkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wicker",
			Name:      "bulk_batch_size",
			Help:      "Documents per bulk submission.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	reg.MustRegister(m.ops, m.conflicts, m.reconnects, m.bulkSize)
	return m
}

func (m *Metrics) observeOp(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ops.WithLabelValues(op, status).Inc()
	if errors.Is(err, ErrConflict) {
		m.conflicts.Inc()
	}
}

func (m *Metrics) observeBulkSize(n int) {
	if m == nil {
		return
	}
	m.bulkSize.Observe(float64(n))
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// ObserveFeedReconnect counts a change feed reconnection attempt.
func (m *Metrics) ObserveFeedReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
