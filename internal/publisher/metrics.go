// internal/publisher/metrics.go

package publisher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedbridge", Subsystem: "publisher", Name: "clients",
		Help: "Currently connected downstream clients",
	})
	publishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "publisher", Name: "events_published_total",
		Help: "Events fanned out to downstream clients",
	})
	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "publisher", Name: "heartbeats_total",
		Help: "Heartbeat envelopes broadcast",
	})
	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "publisher", Name: "evictions_total",
		Help: "Client sessions evicted, by reason",
	}, []string{"reason"})
	rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "publisher", Name: "rejected_total",
		Help: "Connections rejected because max_clients was reached",
	})
)

// RegisterMetrics registers publisher metrics. Passing nil uses the default
// registerer.
func RegisterMetrics(r prometheus.Registerer) {
	metricsOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(clientsGauge, publishedTotal, heartbeatsTotal, evictionsTotal, rejectedTotal)
	})
}
