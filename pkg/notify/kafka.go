package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/dripflow/dripflow/pkg/eventbus"
)

type Publisher interface {
	PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// KafkaDispatcher queues messages for cmd/notifier, which delivers them with retries.
type KafkaDispatcher struct {
	producer Publisher
}

func NewKafkaDispatcher(producer Publisher) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer}
}

func (k *KafkaDispatcher) Name() string { return "kafka" }

func (k *KafkaDispatcher) Send(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	err = k.producer.PublishEvent(ctx, []byte(msg.Recipient), payload,
		kafka.Header{Key: eventbus.HeaderEventID, Value: []byte(msg.ID)})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Handler decodes queued messages and delivers them through dispatcher. Returned errors
// send the message to the retry topic and finally the DLQ.
func Handler(dispatcher Dispatcher) eventbus.KafkaHandler {
	return func(ctx context.Context, message kafka.Message) error {
		var msg Message
		if err := json.Unmarshal(message.Value, &msg); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		if msg.Recipient == "" {
			return fmt.Errorf("notification %s has no recipient", msg.ID)
		}
		_, err := dispatcher.Send(ctx, msg)
		return err
	}
}
