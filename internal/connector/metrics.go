// internal/connector/metrics.go

package connector

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	connectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "connector", Name: "connects_total",
		Help: "Upstream WebSocket connection attempts",
	}, []string{"status"})

	reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "connector", Name: "reconnects_total",
		Help: "Reconnections, by trigger",
	}, []string{"trigger"})

	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "connector", Name: "frames_total",
		Help: "Frames received from upstream, by kind",
	}, []string{"kind"})

	frameDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "connector", Name: "frame_drops_total",
		Help: "Frames dropped because the pipeline buffer was full",
	})

	pingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge", Subsystem: "connector", Name: "pings_total",
		Help: "Upstream keepalive pings answered",
	})

	stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedbridge", Subsystem: "connector", Name: "state",
		Help: "Connection state (0 disconnected .. 5 shutting down)",
	})
)

// RegisterMetrics registers connector metrics. Passing nil uses the default
// registerer.
func RegisterMetrics(r prometheus.Registerer) {
	metricsOnce.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		r.MustRegister(connectsTotal, reconnectsTotal, framesTotal, frameDropsTotal, pingsTotal, stateGauge)
	})
}
