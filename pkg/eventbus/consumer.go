package eventbus

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dripflow/dripflow/pkg/metrics"
)

type KafkaConsumerConfig struct {
	Brokers    []string
	ClientID   string
	GroupID    string
	EventTopic string
	RetryTopic string
	DLQTopic   string
	MaxRetries int
}

type KafkaHandler func(ctx context.Context, message kafka.Message) error

// Republisher takes over messages the handler failed on. *KafkaProducer satisfies it.
type Republisher interface {
	PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// Deduper remembers which message ids were handled successfully.
type Deduper interface {
	Handled(ctx context.Context, id string) (bool, error)
	MarkHandled(ctx context.Context, id string) error
}

// KafkaConsumer feeds the main and retry topics to a handler. A failed message goes back
// through the retry topic with a bumped attempt header until MaxRetries, then to the
// dead-letter topic. An offset is committed once its message was handled or handed on.
type KafkaConsumer struct {
	cfg         KafkaConsumerConfig
	republisher Republisher
	handler     KafkaHandler
	deduper     Deduper
	logger      *zap.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, republisher Republisher, handler KafkaHandler, deduper Deduper, logger *zap.Logger) *KafkaConsumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		cfg:         cfg,
		republisher: republisher,
		handler:     handler,
		deduper:     deduper,
		logger:      logger.Named("consumer"),
	}
}

// Run consumes until ctx is cancelled, Close is called or a reader fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	readers := c.open()
	if len(readers) == 0 {
		return errors.New("kafka consumer has no topics configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range readers {
		r := r
		g.Go(func() error { return c.consume(gctx, r) })
	}
	err := g.Wait()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *KafkaConsumer) open() []*kafka.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readers != nil {
		return nil
	}
	for _, topic := range []string{c.cfg.EventTopic, c.cfg.RetryTopic} {
		if topic == "" {
			continue
		}
		c.readers = append(c.readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			GroupID:  c.cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  time.Second,
			Dialer:   &kafka.Dialer{ClientID: c.cfg.ClientID, Timeout: 10 * time.Second},
		}))
	}
	return c.readers
}

func (c *KafkaConsumer) consume(ctx context.Context, r *kafka.Reader) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			return err
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// process hands msg to the handler unless it was handled before. A non-nil result means
// the message could be neither handled nor rerouted, and its offset must not be committed.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) error {
	id := ExtractEventID(msg)
	if id != "" && c.deduper != nil {
		handled, err := c.deduper.Handled(ctx, id)
		if err != nil {
			c.logger.Warn("dedupe lookup failed", zap.String("event_id", id), zap.Error(err))
		} else if handled {
			metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "duplicate").Inc()
			return nil
		}
	}

	if err := c.handler(ctx, msg); err != nil {
		return c.reroute(ctx, msg, id, err)
	}
	metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "handled").Inc()

	if id != "" && c.deduper != nil {
		if err := c.deduper.MarkHandled(ctx, id); err != nil {
			c.logger.Warn("dedupe mark failed", zap.String("event_id", id), zap.Error(err))
		}
	}
	return nil
}

func (c *KafkaConsumer) reroute(ctx context.Context, msg kafka.Message, id string, cause error) error {
	if c.republisher == nil {
		return cause
	}
	origin := HeaderValue(msg, headerOrigin)
	if origin == "" {
		origin = msg.Topic
	}
	headers := withHeader(msg.Headers, headerOrigin, origin)
	attempt := Attempt(msg)

	if attempt < c.cfg.MaxRetries && c.cfg.RetryTopic != "" {
		c.logger.Warn("handler failed, scheduling retry",
			zap.String("event_id", id), zap.Int("attempt", attempt+1), zap.Error(cause))
		headers = withHeader(headers, headerAttempt, strconv.Itoa(attempt+1))
		if err := c.republisher.PublishRetry(ctx, msg.Key, msg.Value, headers...); err != nil {
			return err
		}
		metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "retried").Inc()
		return nil
	}

	if c.cfg.DLQTopic == "" {
		return cause
	}
	c.logger.Error("handler failed, dead-lettering",
		zap.String("event_id", id), zap.String("origin", origin), zap.Int("attempts", attempt), zap.Error(cause))
	headers = withHeader(headers, headerFailure, cause.Error())
	if err := c.republisher.PublishDLQ(ctx, msg.Key, msg.Value, headers...); err != nil {
		return err
	}
	metrics.ConsumedMessagesTotal.WithLabelValues(msg.Topic, "dead_lettered").Inc()
	return nil
}

// Close stops the readers; a blocked Run returns nil.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisDeduper shares the handled set across consumer replicas. Entries expire after ttl.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Handled(ctx context.Context, id string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkHandled(ctx context.Context, id string) error {
	return d.client.Set(ctx, d.prefix+id, time.Now().UTC().Unix(), d.ttl).Err()
}
