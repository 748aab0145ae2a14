package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestExtractEventID(t *testing.T) {
	message := kafka.Message{
		Key:     []byte("recipient@example.com"),
		Value:   []byte(`{"event_id":"from-body"}`),
		Headers: []kafka.Header{{Key: HeaderEventID, Value: []byte("from-header")}},
	}
	if got := ExtractEventID(message); got != "from-header" {
		t.Fatalf("expected header id, got %q", got)
	}

	message.Headers = nil
	if got := ExtractEventID(message); got != "from-body" {
		t.Fatalf("expected body id, got %q", got)
	}

	// The key is a recipient or participant, so it must never stand in for an id.
	message.Value = []byte(`not json`)
	if got := ExtractEventID(message); got != "" {
		t.Fatalf("expected no id, got %q", got)
	}
}

func TestAttempt(t *testing.T) {
	if got := Attempt(kafka.Message{Headers: []kafka.Header{{Key: headerAttempt, Value: []byte("2")}}}); got != 2 {
		t.Fatalf("expected attempt 2, got %d", got)
	}
	if got := Attempt(kafka.Message{Headers: []kafka.Header{{Key: headerAttempt, Value: []byte("x")}}}); got != 0 {
		t.Fatalf("expected attempt 0 for a bad header, got %d", got)
	}
	if got := Attempt(kafka.Message{}); got != 0 {
		t.Fatalf("expected attempt 0, got %d", got)
	}
}

type captureRepublisher struct {
	retries []kafka.Message
	dead    []kafka.Message
}

func (c *captureRepublisher) PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	c.retries = append(c.retries, kafka.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func (c *captureRepublisher) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	c.dead = append(c.dead, kafka.Message{Key: key, Value: value, Headers: headers})
	return nil
}

type mapDeduper map[string]bool

func (d mapDeduper) Handled(ctx context.Context, id string) (bool, error) { return d[id], nil }

func (d mapDeduper) MarkHandled(ctx context.Context, id string) error {
	d[id] = true
	return nil
}

func notification(id string) kafka.Message {
	return kafka.Message{
		Topic:   "notifications",
		Key:     []byte("a@x.com"),
		Value:   []byte(`{"template_ref":"item_unlocked"}`),
		Headers: []kafka.Header{{Key: HeaderEventID, Value: []byte(id)}},
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	rep := &captureRepublisher{}
	failing := func(ctx context.Context, m kafka.Message) error { return errors.New("ses throttled") }
	consumer := NewKafkaConsumer(KafkaConsumerConfig{
		EventTopic: "notifications",
		RetryTopic: "notifications.retry",
		DLQTopic:   "notifications.dlq",
		MaxRetries: 2,
	}, rep, failing, nil, nil)

	if err := consumer.process(ctx, notification("n-1")); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	if len(rep.retries) != 1 || Attempt(rep.retries[0]) != 1 {
		t.Fatalf("expected one retry at attempt 1, got %+v", rep.retries)
	}
	if origin := HeaderValue(rep.retries[0], headerOrigin); origin != "notifications" {
		t.Fatalf("expected origin notifications, got %q", origin)
	}

	retried := rep.retries[0]
	retried.Topic = "notifications.retry"
	if err := consumer.process(ctx, retried); err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if len(rep.retries) != 2 || Attempt(rep.retries[1]) != 2 {
		t.Fatalf("expected a second retry at attempt 2, got %d retries", len(rep.retries))
	}
	if origin := HeaderValue(rep.retries[1], headerOrigin); origin != "notifications" {
		t.Fatalf("expected origin kept across retries, got %q", origin)
	}

	exhausted := rep.retries[1]
	exhausted.Topic = "notifications.retry"
	if err := consumer.process(ctx, exhausted); err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if len(rep.dead) != 1 {
		t.Fatalf("expected one dead-lettered message, got %d", len(rep.dead))
	}
	if got := HeaderValue(rep.dead[0], headerFailure); got != "ses throttled" {
		t.Fatalf("expected failure header, got %q", got)
	}
	if got := ExtractEventID(rep.dead[0]); got != "n-1" {
		t.Fatalf("expected event id kept, got %q", got)
	}
	for _, h := range rep.dead[0].Headers {
		if h.Key == headerAttempt && string(h.Value) != "2" {
			t.Fatalf("expected a single attempt header, got %q", h.Value)
		}
	}
}

func TestConsumerWithoutRetryTopicsReturnsFailure(t *testing.T) {
	cause := errors.New("boom")
	consumer := NewKafkaConsumer(KafkaConsumerConfig{EventTopic: "notifications"}, &captureRepublisher{},
		func(ctx context.Context, m kafka.Message) error { return cause }, nil, nil)

	if err := consumer.process(context.Background(), notification("n-1")); !errors.Is(err, cause) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestConsumerSkipsHandledMessages(t *testing.T) {
	ctx := context.Background()
	calls := 0
	deduper := mapDeduper{}
	consumer := NewKafkaConsumer(KafkaConsumerConfig{EventTopic: "notifications"}, nil,
		func(ctx context.Context, m kafka.Message) error {
			calls++
			return nil
		}, deduper, nil)

	for i := 0; i < 2; i++ {
		if err := consumer.process(ctx, notification("n-1")); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}

	anonymous := notification("n-2")
	anonymous.Headers = nil
	for i := 0; i < 2; i++ {
		if err := consumer.process(ctx, anonymous); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected messages without an id to be delivered every time, got %d calls", calls)
	}
	if len(deduper) != 1 {
		t.Fatalf("expected one handled id, got %v", deduper)
	}
}

func TestRunWithoutTopics(t *testing.T) {
	consumer := NewKafkaConsumer(KafkaConsumerConfig{}, nil, nil, nil, nil)
	if err := consumer.Run(context.Background()); err == nil {
		t.Fatalf("expected an error without topics")
	}
}
