package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/model"
)

type fakeRepo struct {
	mu        sync.Mutex
	pending   []model.DomainEvent
	published map[uuid.UUID]bool
	failed    map[uuid.UUID]bool
}

func newFakeRepo(events ...model.DomainEvent) *fakeRepo {
	return &fakeRepo{pending: events, published: map[uuid.UUID]bool{}, failed: map[uuid.UUID]bool{}}
}

func (f *fakeRepo) ListPending(ctx context.Context, limit int) ([]model.DomainEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DomainEvent
	for _, e := range f.pending {
		if !f.published[e.EventID] && !f.failed[e.EventID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[eventID] = true
	return nil
}

func (f *fakeRepo) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[eventID] = true
	return nil
}

type fakePublisher struct {
	failMain bool
	main     []kafka.Message
	dlq      []kafka.Message
}

func (f *fakePublisher) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if f.failMain {
		return errors.New("broker down")
	}
	f.main = append(f.main, kafka.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func (f *fakePublisher) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	f.dlq = append(f.dlq, kafka.Message{Key: key, Value: value, Headers: headers})
	return nil
}

func domainEvent() model.DomainEvent {
	p := &model.Participant{ID: uuid.New(), SequenceID: uuid.New()}
	return *model.NewDomainEvent(model.DomainItemCompleted, p, model.JSONB{"item_key": "day-1"})
}

func TestRelayPublishesPending(t *testing.T) {
	event := domainEvent()
	repo := newFakeRepo(event)
	pub := &fakePublisher{}
	relay := NewRelay(repo, pub, nil, time.Second, 10)

	if n := relay.ProcessPending(context.Background()); n != 1 {
		t.Fatalf("expected 1 processed, got %d", n)
	}
	if len(pub.main) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.main))
	}
	msg := pub.main[0]
	if string(msg.Key) != event.ParticipantID.String() {
		t.Fatalf("expected participant key, got %s", msg.Key)
	}
	if eventbus.ExtractEventID(msg) != event.EventID.String() {
		t.Fatalf("expected event id header")
	}
	var decoded Message
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventType != model.DomainItemCompleted || decoded.Payload["item_key"] != "day-1" {
		t.Fatalf("unexpected message %+v", decoded)
	}
	if !repo.published[event.EventID] {
		t.Fatal("expected event marked published")
	}
	if n := relay.ProcessPending(context.Background()); n != 0 {
		t.Fatalf("expected nothing left, got %d", n)
	}
}

func TestRelaySendsToDLQOnFailure(t *testing.T) {
	event := domainEvent()
	repo := newFakeRepo(event)
	pub := &fakePublisher{failMain: true}
	relay := NewRelay(repo, pub, nil, time.Second, 10)

	relay.ProcessPending(context.Background())
	if len(pub.dlq) != 1 {
		t.Fatalf("expected 1 DLQ message, got %d", len(pub.dlq))
	}
	if !repo.failed[event.EventID] {
		t.Fatal("expected event marked failed")
	}
	var dlq DLQMessage
	if err := json.Unmarshal(pub.dlq[0].Value, &dlq); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dlq.Error != "broker down" || dlq.Event.EventID != event.EventID.String() {
		t.Fatalf("unexpected dlq message %+v", dlq)
	}
}
