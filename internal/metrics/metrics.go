// internal/metrics/metrics.go

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// EventsTotal counts frames successfully decoded into events.
	EventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge",
		Subsystem: "pipeline",
		Name:      "events_total",
		Help:      "Total number of frames decoded into normalized events",
	})

	// DecodeErrors counts frames skipped because of a decode error.
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedbridge",
		Subsystem: "pipeline",
		Name:      "decode_errors_total",
		Help:      "Frames skipped due to decode errors, by kind",
	}, []string{"kind"})

	// PublishErrors counts events that could not be serialized for fan-out.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "feedbridge",
		Subsystem: "pipeline",
		Name:      "publish_errors_total",
		Help:      "Events that failed to publish downstream",
	})

	// PipelineLatency measures frame arrival to publish completion.
	PipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "feedbridge",
		Subsystem: "pipeline",
		Name:      "latency_seconds",
		Help:      "Latency from frame arrival to downstream publish (seconds)",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
	})
)

// Register registers all pipeline metrics in the given registry.
// Call with nil to use the DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			EventsTotal,
			DecodeErrors,
			PublishErrors,
			PipelineLatency,
		)
	})
}
