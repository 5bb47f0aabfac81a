package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	settlements   *prometheus.CounterVec
	charges       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	registeredUsers prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_settlements_total",
			Help: "Per-user settlement results by outcome.",
		}, []string{"outcome"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_charges_total",
			Help: "Gateway charge attempts by result.",
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payments_settlement_batch_seconds",
			Help:    "Duration of a full settle-all pass.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		registeredUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payments_registered_users",
			Help: "Number of registered billing accounts.",
		}),
	}
	reg.MustRegister(m.settlements, m.charges, m.batchDuration, m.registeredUsers)
	return m
}
