package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apiserver"
	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/auth"
	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/engagement"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/identity"
	"github.com/dripflow/dripflow/pkg/logging"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/notify"
	"github.com/dripflow/dripflow/pkg/observability"
	"github.com/dripflow/dripflow/pkg/progression"
	"github.com/dripflow/dripflow/pkg/sequence"
	"github.com/dripflow/dripflow/pkg/store"
	"github.com/dripflow/dripflow/pkg/store/clickhouse"
	"github.com/dripflow/dripflow/pkg/store/postgres"
	redisclient "github.com/dripflow/dripflow/pkg/store/redis"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, "api-server", logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	bus := eventbus.NewBus(redis.Client())
	cache := sequence.NewCache(redisclient.NewSequenceCache(redis.Client(), cfg.Redis.SequenceTTL), logger)
	go cache.Watch(ctx, bus)
	catalog := sequence.NewCatalog(db.Sequences(), cache, bus, logger)

	var analytics store.AnalyticsStore = db.Events()
	var mirror store.AnalyticsStore
	if cfg.Analytics.StorageDriver == "clickhouse" {
		logger.Info("using clickhouse for analytics")
		chStore, err := clickhouse.NewEventStore(&cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("Failed to initialize clickhouse event store", zap.Error(err))
		}
		defer chStore.Close()
		if err := chStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to create clickhouse schema", zap.Error(err))
		}
		analytics = chStore
		mirror = chStore
	} else {
		logger.Info("using postgres for analytics")
	}

	dispatcher, closeDispatcher, err := newDispatcher(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize notifications", zap.Error(err))
	}
	defer closeDispatcher()
	notifier := notify.NewAsync(dispatcher, cfg.Notify.SendTimeout, logger)

	engine := progression.New(progression.Dependencies{
		Sequences:    catalog,
		Participants: db.Participants(),
		Transactor:   db,
		Tracker: engagement.NewTracker(engagement.Config{
			Points:         cfg.Engagement.Points,
			StreakWindow:   cfg.Engagement.StreakWindow,
			StreakBreak:    cfg.Engagement.StreakBreak,
			DisabledBadges: cfg.Engagement.DisabledBadges,
		}),
		Aggregator: attribution.NewAggregator(analytics, db.Participants(), cfg.Analytics.QueryTimeout, logger),
		Notifier:   notifier,
		Identity:   identity.NewLeadResolver(db.Leads()),
		Mirror:     mirror,
		Progress:   bus,
	}, progression.Config{EventHorizon: cfg.Retention.EventHorizon}, logger)

	server := apiserver.NewServer(apiserver.Dependencies{
		Engine:       engine,
		Catalog:      catalog,
		Participants: db.Participants(),
		Tokens:       auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.ParticipantTokenTTL),
	}, cfg, logger)

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.Start()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting API server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	notifier.Wait()
	metricsServer.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

// newDispatcher selects the notification channel: ses sends directly, kafka queues for
// cmd/notifier, anything else drops messages.
func newDispatcher(ctx context.Context, cfg *config.Config) (notify.Dispatcher, func(), error) {
	switch cfg.Notify.Driver {
	case "ses":
		renderer, err := notify.NewRenderer(cfg.Notify.Subjects)
		if err != nil {
			return nil, nil, err
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Notify.Region))
		if err != nil {
			return nil, nil, err
		}
		return notify.NewSESDispatcher(awsCfg, cfg.Notify.FromAddress, renderer), func() {}, nil
	case "kafka":
		producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			EventTopic: cfg.Kafka.NotifyTopic,
		})
		return notify.NewKafkaDispatcher(producer), func() { _ = producer.Close() }, nil
	default:
		return notify.Nop{}, func() {}, nil
	}
}
