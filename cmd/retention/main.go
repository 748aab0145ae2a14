package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/logging"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/retention"
	"github.com/dripflow/dripflow/pkg/store/clickhouse"
	"github.com/dripflow/dripflow/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	purgers := []retention.EventPurger{db.Events()}
	if cfg.Analytics.StorageDriver == "clickhouse" {
		chStore, err := clickhouse.NewEventStore(&cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("failed to initialize clickhouse event store", zap.Error(err))
		}
		defer chStore.Close()
		purgers = append(purgers, chStore)
	}

	sweeper := retention.NewSweeper(purgers, db.Outbox(), cfg.Retention.OutboxTTL, cfg.Retention.SweepInterval, logger)

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("retention sweeper stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("retention sweeper shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)
}
