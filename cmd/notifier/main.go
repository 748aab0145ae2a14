package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/logging"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/notify"
	redisclient "github.com/dripflow/dripflow/pkg/store/redis"
)

// notifier drains the notification topic filled by the kafka dispatcher and delivers each
// message through SES, retrying through the retry topic before dead-lettering.
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

	renderer, err := notify.NewRenderer(cfg.Notify.Subjects)
	if err != nil {
		logger.Fatal("failed to parse notification templates", zap.Error(err))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Notify.Region))
	if err != nil {
		logger.Fatal("failed to load aws config", zap.Error(err))
	}
	dispatcher := notify.NewSESDispatcher(awsCfg, cfg.Notify.FromAddress, renderer)

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	producer := eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		EventTopic: cfg.Kafka.NotifyTopic,
		RetryTopic: cfg.Kafka.NotifyRetryTopic,
		DLQTopic:   cfg.Kafka.NotifyDLQTopic,
	})
	defer producer.Close()

	consumer := eventbus.NewKafkaConsumer(eventbus.KafkaConsumerConfig{
		Brokers:    cfg.Kafka.Brokers,
		ClientID:   cfg.Kafka.ClientID,
		GroupID:    cfg.Kafka.NotifyGroup,
		EventTopic: cfg.Kafka.NotifyTopic,
		RetryTopic: cfg.Kafka.NotifyRetryTopic,
		DLQTopic:   cfg.Kafka.NotifyDLQTopic,
		MaxRetries: cfg.Kafka.MaxRetries,
	}, producer, notify.Handler(dispatcher), eventbus.NewRedisDeduper(redis.Client(), "df:notify:handled:", 24*time.Hour), logger)
	defer consumer.Close()

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.Start()

	go func() {
		logger.Info("notifier consuming", zap.String("topic", cfg.Kafka.NotifyTopic))
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("notifier stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("notifier shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	metricsServer.Shutdown(shutdownCtx)
}
