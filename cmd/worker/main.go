// Package main runs the background worker: recording reconciliation and
// archiving of completed recordings to S3.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/livestream/config"
	"github.com/aura-webinar/livestream/internal/app"
	"github.com/aura-webinar/livestream/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	reconciler := worker.NewReconciler(a.Coord, a.Registry, cfg.Reconcile.Interval(), cfg.Reconcile.BatchSize, logger)
	g.Go(func() error { return reconciler.Run(gctx) })

	if a.Queue != nil && a.S3 != nil {
		processor := worker.NewArchiveProcessor(a.Coord, a.S3, a.Queue, nil, logger)
		g.Go(func() error { return processor.Run(gctx) })
		logger.Info("archive worker started", zap.String("bucket", a.S3.RecordingsBucket()))
	} else {
		logger.Warn("archive worker disabled; needs REDIS_ADDR and AWS_S3_RECORDINGS_BUCKET")
	}

	logger.Info("worker started")
	if err := g.Wait(); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
