package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Headers set on every message this service writes.
const (
	HeaderEventID   = "df-event-id"
	HeaderEventType = "df-event-type"
	headerAttempt   = "df-attempt"
	headerOrigin    = "df-origin-topic"
	headerFailure   = "df-failure"
)

type KafkaProducerConfig struct {
	Brokers    []string
	ClientID   string
	EventTopic string
	RetryTopic string
	DLQTopic   string
}

// KafkaProducer writes keyed messages. Messages sharing a key (a participant id for domain
// events, a recipient for notifications) land on one partition and keep their order.
type KafkaProducer struct {
	writer *kafka.Writer
	topics KafkaProducerConfig
}

func NewKafkaProducer(cfg KafkaProducerConfig) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
			Transport:    &kafka.Transport{ClientID: cfg.ClientID},
		},
		topics: cfg,
	}
}

func (p *KafkaProducer) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.write(ctx, "event", p.topics.EventTopic, key, value, headers)
}

func (p *KafkaProducer) PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.write(ctx, "retry", p.topics.RetryTopic, key, value, headers)
}

func (p *KafkaProducer) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.write(ctx, "dead-letter", p.topics.DLQTopic, key, value, headers)
}

func (p *KafkaProducer) write(ctx context.Context, kind, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return fmt.Errorf("kafka %s topic is not configured", kind)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now().UTC(),
	})
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// HeaderValue returns the named header of m, or "" when m does not carry it.
func HeaderValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// withHeader copies headers and sets key to value, replacing an earlier entry.
func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}

// Attempt is the number of times m went through the retry topic.
func Attempt(m kafka.Message) int {
	n, err := strconv.Atoi(HeaderValue(m, headerAttempt))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ExtractEventID returns the id header, falling back to the event_id field of a JSON body.
// Messages with neither have no id and are never deduplicated.
func ExtractEventID(m kafka.Message) string {
	if id := HeaderValue(m, HeaderEventID); id != "" {
		return id
	}
	var body struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(m.Value, &body); err == nil {
		return body.EventID
	}
	return ""
}
