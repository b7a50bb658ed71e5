// internal/app/app.go

// Package app wires the connector, decoder and publisher together and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/binance-feed-bridge/internal/config"
	"github.com/YaganovValera/binance-feed-bridge/internal/connector"
	"github.com/YaganovValera/binance-feed-bridge/internal/decoder"
	"github.com/YaganovValera/binance-feed-bridge/internal/metrics"
	"github.com/YaganovValera/binance-feed-bridge/internal/pipeline"
	"github.com/YaganovValera/binance-feed-bridge/internal/publisher"
	"github.com/YaganovValera/binance-feed-bridge/pkg/backoff"
	"github.com/YaganovValera/binance-feed-bridge/pkg/httpserver"
	"github.com/YaganovValera/binance-feed-bridge/pkg/logger"
	"github.com/YaganovValera/binance-feed-bridge/pkg/telemetry"
)

// Run builds every component from cfg and blocks until ctx is cancelled or
// a fatal error surfaces (bind failure, retry ceiling exhausted).
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)
	backoff.RegisterMetrics(nil)
	connector.RegisterMetrics(nil)
	publisher.RegisterMetrics(nil)

	telCfg := cfg.Telemetry
	telCfg.ServiceName = cfg.ServiceName
	telCfg.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, telCfg, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	dec := decoder.New()

	pub, err := publisher.New(cfg.Publisher, log)
	if err != nil {
		return fmt.Errorf("publisher init: %w", err)
	}
	if err := pub.Listen(); err != nil {
		return err // BindError is fatal at startup
	}

	conn, err := connector.New(cfg.Binance, log)
	if err != nil {
		pub.Close()
		return fmt.Errorf("connector init: %w", err)
	}

	httpSrv, err := httpserver.New(cfg.HTTP, readiness(pub, conn), log)
	if err != nil {
		pub.Close()
		return fmt.Errorf("httpserver init: %w", err)
	}

	bufSize := cfg.Binance.BufferSize
	if bufSize <= 0 {
		bufSize = 512
	}
	frames := make(chan decoder.RawFrame, bufSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	g.Go(func() error { return pub.Run(ctx) })
	g.Go(func() error { return conn.Run(ctx, frames) })
	g.Go(func() error { return pipeline.Run(ctx, frames, dec, pub, log) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("feed bridge stopped")
	return nil
}

// readiness gates the readyz probe on both the bound downstream socket and
// a live upstream session. Transient reconnect states still count as ready;
// only a never-connected or shutting-down connector does not.
func readiness(pub *publisher.Publisher, conn *connector.Connector) httpserver.ReadyChecker {
	return func() error {
		if err := pub.Ready(); err != nil {
			return err
		}
		switch st := conn.State(); st {
		case connector.StateDisconnected, connector.StateShuttingDown:
			return fmt.Errorf("connector state %s", st)
		}
		return nil
	}
}

// shutdownSafe wraps a Close/Shutdown call with logging.
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
		return
	}
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
}
