// Package outbox publishes committed domain events to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.DomainEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
}

// Publisher is satisfied by eventbus.KafkaProducer.
type Publisher interface {
	PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type Relay struct {
	repo         Repository
	publisher    Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

type Message struct {
	EventID       string      `json:"event_id"`
	EventType     string      `json:"event_type"`
	SequenceID    string      `json:"sequence_id"`
	ParticipantID string      `json:"participant_id"`
	Payload       model.JSONB `json:"payload"`
	CreatedAt     time.Time   `json:"created_at"`
}

type DLQMessage struct {
	Event    Message   `json:"event"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRelay(repo Repository, publisher Publisher, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       logger.Named("outbox"),
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.ProcessPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.ProcessPending(ctx)
		}
	}
}

// ProcessPending publishes one batch and returns how many rows left the pending state.
func (r *Relay) ProcessPending(ctx context.Context) int {
	events, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return 0
	}

	processed := 0
	for _, event := range events {
		if err := r.publishEvent(ctx, event); err != nil {
			r.logger.Warn("failed to publish outbox event", zap.Error(err), zap.String("event_id", event.EventID.String()))
			continue
		}
		processed++
	}
	return processed
}

func (r *Relay) publishEvent(ctx context.Context, event model.DomainEvent) error {
	message := Message{
		EventID:       event.EventID.String(),
		EventType:     event.EventType,
		SequenceID:    event.SequenceID.String(),
		ParticipantID: event.ParticipantID.String(),
		Payload:       event.Payload,
		CreatedAt:     event.CreatedAt,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Keyed by participant so a consumer sees one participant's events in order.
	key := []byte(message.ParticipantID)
	headers := []kafka.Header{
		{Key: eventbus.HeaderEventID, Value: []byte(message.EventID)},
		{Key: eventbus.HeaderEventType, Value: []byte(message.EventType)},
	}

	if err := r.publisher.PublishEvent(ctx, key, payload, headers...); err != nil {
		r.logger.Warn("failed to publish to kafka, sending to DLQ", zap.Error(err), zap.String("event_id", message.EventID))
		return r.publishDLQ(ctx, message, err, event.EventID)
	}

	if err := r.repo.MarkPublished(ctx, event.EventID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", message.EventID))
		return err
	}
	metrics.OutboxPublishTotal.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, message Message, publishErr error, eventID uuid.UUID) error {
	dlq := DLQMessage{
		Event:    message,
		Error:    publishErr.Error(),
		FailedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(dlq)
	if err != nil {
		return err
	}

	if err := r.publisher.PublishDLQ(ctx, []byte(message.ParticipantID), payload,
		kafka.Header{Key: eventbus.HeaderEventID, Value: []byte(message.EventID)}); err != nil {
		metrics.OutboxPublishTotal.WithLabelValues("error").Inc()
		return err
	}

	if err := r.repo.MarkFailed(ctx, eventID); err != nil {
		r.logger.Warn("failed to mark event failed", zap.Error(err), zap.String("event_id", eventID.String()))
		return err
	}
	metrics.OutboxPublishTotal.WithLabelValues("dead_lettered").Inc()
	return nil
}
