// internal/pipeline/pipeline.go

// Package pipeline runs the decode-and-publish loop between the connector
// and the publisher. Per-message errors are counted and skipped; they never
// tear the stream down.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
	"github.com/YaganovValera/binance-feed-bridge/internal/metrics"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
)

var tracer = otel.Tracer("feedbridge/pipeline")

// Sink consumes normalized events. Implemented by the publisher.
type Sink interface {
	Publish(evt decoder.Event) error
}

// Run consumes frames until the channel closes, preserving arrival order
// end to end. The connector closes the channel on shutdown, so everything
// already read from upstream is decoded and published before Run returns.
func Run(ctx context.Context, frames <-chan decoder.RawFrame, dec *decoder.Decoder, sink Sink, log *logger.Logger) error {
	log = log.Named("pipeline")

	for frame := range frames {
		handleFrame(ctx, frame, dec, sink, log)
	}
	return nil
}

func handleFrame(ctx context.Context, frame decoder.RawFrame, dec *decoder.Decoder, sink Sink, log *logger.Logger) {
	_, span := tracer.Start(ctx, "pipeline.frame")
	defer span.End()

	evt, err := dec.Decode(frame)
	if err != nil {
		span.RecordError(err)
		metrics.DecodeErrors.WithLabelValues(errorKind(err)).Inc()
		logDecodeError(log, err)
		return
	}
	span.SetAttributes(
		attribute.String("event.kind", evt.EventKind()),
		attribute.String("event.symbol", evt.EventSymbol()),
	)

	metrics.EventsTotal.Inc()
	if err := sink.Publish(evt); err != nil {
		span.RecordError(err)
		metrics.PublishErrors.Inc()
		log.Error("publish failed", zap.Error(err))
		return
	}
	metrics.PipelineLatency.Observe(time.Since(frame.ReceivedAt).Seconds())
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, decoder.ErrUnknownTemplate):
		return "unknown_template"
	case errors.Is(err, decoder.ErrUnsupportedSchema):
		return "unsupported_schema"
	case errors.Is(err, decoder.ErrTruncated):
		return "truncated"
	case errors.Is(err, decoder.ErrFrameTooShort):
		return "frame_too_short"
	case errors.Is(err, decoder.ErrUnknownStreamType):
		return "unknown_stream_type"
	case errors.Is(err, decoder.ErrMalformedJSON):
		return "malformed_json"
	default:
		return "other"
	}
}

// unknown templates and stream types are routine on a shared feed; real
// corruption gets warn
func logDecodeError(log *logger.Logger, err error) {
	if errors.Is(err, decoder.ErrUnknownTemplate) || errors.Is(err, decoder.ErrUnknownStreamType) {
		log.Debug("skipping unsupported message", zap.Error(err))
		return
	}
	log.Warn("decode error, message skipped", zap.Error(err))
}
