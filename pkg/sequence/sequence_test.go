package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

type memorySequenceStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]model.Sequence
	loads int
}

func newMemorySequenceStore() *memorySequenceStore {
	return &memorySequenceStore{byID: make(map[uuid.UUID]model.Sequence)}
}

func (m *memorySequenceStore) Create(ctx context.Context, seq *model.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Slug == seq.Slug {
			return store.ErrDuplicate
		}
	}
	m.byID[seq.ID] = copySequence(seq)
	return nil
}

func (m *memorySequenceStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	seq, ok := m.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copySequence(&seq)
	return &out, nil
}

func (m *memorySequenceStore) GetBySlug(ctx context.Context, slug string) (*model.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seq := range m.byID {
		if seq.Slug == slug {
			out := copySequence(&seq)
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memorySequenceStore) Update(ctx context.Context, seq *model.Sequence, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.byID[seq.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	m.byID[seq.ID] = copySequence(seq)
	return nil
}

func copySequence(seq *model.Sequence) model.Sequence {
	out := *seq
	out.Items = append(model.SequenceItems(nil), seq.Items...)
	return out
}

func challengeDefinition() Definition {
	hour := 9
	return Definition{
		Name:         "Five Day Challenge",
		Slug:         "five-day-challenge",
		Kind:         model.KindChallenge,
		DeliveryMode: model.DeliveryDripFromRegistration,
		Timezone:     "Europe/Berlin",
		Items: []ItemDefinition{
			{Key: "day-1", Title: "Day 1"},
			{Key: "day-2", Title: "Day 2", Unlock: model.UnlockRule{Type: model.UnlockDelayFromRegistration, DelayHours: 24}, Requires: []string{"day-1"}},
			{Key: "day-3", Title: "Day 3", Unlock: model.UnlockRule{Type: model.UnlockCalendarTimeOfDay, DelayHours: 48, Hour: &hour}, Requires: []string{"day-1", "day-2"}},
		},
	}
}

func TestParseAssignsOrdersAndResolvesRequires(t *testing.T) {
	seq, err := NewParser().Parse(challengeDefinition())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if seq.Status != model.SequenceDraft || seq.Version != 1 {
		t.Fatalf("unexpected initial status/version %s/%d", seq.Status, seq.Version)
	}
	for i, item := range seq.Items {
		if item.Order != i {
			t.Fatalf("item %s has order %d, want %d", item.Key, item.Order, i)
		}
	}
	day3 := seq.Items[2]
	if len(day3.RequiredPriorItems) != 2 || day3.RequiredPriorItems[0] != seq.Items[0].ID || day3.RequiredPriorItems[1] != seq.Items[1].ID {
		t.Fatalf("requires not resolved: %v", day3.RequiredPriorItems)
	}
	if seq.Items[0].UnlockRule.Type != model.UnlockImmediate {
		t.Fatalf("expected default immediate rule, got %s", seq.Items[0].UnlockRule.Type)
	}
}

func TestParseRejectsMalformedDefinitions(t *testing.T) {
	badHour := 25
	cases := map[string]func(d *Definition){
		"forward reference": func(d *Definition) { d.Items[0].Requires = []string{"day-2"} },
		"unknown key":       func(d *Definition) { d.Items[1].Requires = []string{"nope"} },
		"duplicate key":     func(d *Definition) { d.Items[1].Key = "day-1" },
		"missing key":       func(d *Definition) { d.Items[2].Key = "" },
		"bad slug":          func(d *Definition) { d.Slug = "Five Day!" },
		"bad timezone":      func(d *Definition) { d.Timezone = "Mars/Olympus" },
		"bad mode":          func(d *Definition) { d.DeliveryMode = "WHENEVER" },
		"bad hour":          func(d *Definition) { d.Items[2].Unlock.Hour = &badHour },
		"no items":          func(d *Definition) { d.Items = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := challengeDefinition()
			mutate(&def)
			_, err := NewParser().Parse(def)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestValidateRejectsNonContiguousOrders(t *testing.T) {
	seq, err := NewParser().Parse(challengeDefinition())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	seq.Items[2].Order = 5
	if err := Validate(seq); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation failure for gap, got %v", err)
	}
	seq.Items[2].Order = 1
	if err := Validate(seq); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation failure for duplicate, got %v", err)
	}
}

func TestCatalogUpdateItemsRejectsContiguityBreakAsConflict(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMemorySequenceStore(), nil, nil, nil)
	seq, err := catalog.Create(ctx, challengeDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	items := seq.Ordered()
	items = items[:2]
	items[1].Order = 2
	if _, err := catalog.UpdateItems(ctx, seq.ID, seq.Version, items); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored, err := catalog.Get(ctx, seq.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Items) != 3 || stored.Version != 1 {
		t.Fatalf("rejected edit must not be applied: %d items, version %d", len(stored.Items), stored.Version)
	}
}

func TestCatalogReindex(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMemorySequenceStore(), nil, nil, nil)
	def := challengeDefinition()
	def.Items[1].Requires = nil
	def.Items[2].Requires = nil
	seq, err := catalog.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ids := []uuid.UUID{seq.Items[2].ID, seq.Items[0].ID, seq.Items[1].ID}
	updated, err := catalog.Reindex(ctx, seq.ID, 1, ids)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	first, _ := updated.ItemAt(0)
	if first.Key != "day-3" {
		t.Fatalf("expected day-3 first, got %s", first.Key)
	}

	if _, err := catalog.Reindex(ctx, seq.ID, 1, ids); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale version must conflict, got %v", err)
	}
	if _, err := catalog.Reindex(ctx, seq.ID, 2, ids[:2]); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("partial reindex must be rejected, got %v", err)
	}
}

func TestCatalogReindexKeepsPrerequisitesBeforeDependents(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMemorySequenceStore(), nil, nil, nil)
	seq, err := catalog.Create(ctx, challengeDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ids := []uuid.UUID{seq.Items[1].ID, seq.Items[0].ID, seq.Items[2].ID}
	if _, err := catalog.Reindex(ctx, seq.ID, 1, ids); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCatalogStatusTransitions(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMemorySequenceStore(), nil, nil, nil)
	seq, err := catalog.Create(ctx, challengeDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := catalog.SetStatus(ctx, seq.ID, 1, model.SequencePaused); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("draft -> paused must conflict, got %v", err)
	}
	published, err := catalog.SetStatus(ctx, seq.ID, 1, model.SequencePublished)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if published.Status != model.SequencePublished {
		t.Fatalf("expected published, got %s", published.Status)
	}
}

func TestCatalogCreateDuplicateSlug(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog(newMemorySequenceStore(), nil, nil, nil)
	if _, err := catalog.Create(ctx, challengeDefinition()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := catalog.Create(ctx, challengeDefinition()); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCacheLoadsOnceAndInvalidates(t *testing.T) {
	ctx := context.Background()
	st := newMemorySequenceStore()
	catalog := NewCatalog(st, nil, nil, nil)
	seq, err := catalog.Create(ctx, challengeDefinition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := catalog.Get(ctx, seq.ID); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if st.loads != 1 {
		t.Fatalf("expected a single store load, got %d", st.loads)
	}

	if _, err := catalog.SetStatus(ctx, seq.ID, 1, model.SequencePublished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := catalog.Get(ctx, seq.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.SequencePublished {
		t.Fatalf("cache served stale definition: %s", got.Status)
	}

	if _, err := catalog.Get(ctx, uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCacheDropsLoadRacingInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, nil)
	id := uuid.New()
	stale := &model.Sequence{ID: id, Version: 1, Status: model.SequenceDraft}
	fresh := &model.Sequence{ID: id, Version: 2, Status: model.SequencePublished}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan *model.Sequence, 1)
	go func() {
		got, err := cache.Get(ctx, id, func(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
			close(started)
			<-release
			return stale, nil
		})
		if err != nil {
			t.Errorf("slow load: %v", err)
		}
		done <- got
	}()

	<-started
	cache.Invalidate(ctx, id, false)

	got, err := cache.Get(ctx, id, func(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
		return fresh, nil
	})
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected a fresh load after invalidate, got version %d", got.Version)
	}

	close(release)
	if slow := <-done; slow.Version != 1 {
		t.Fatalf("expected the in-flight caller to see its own load, got version %d", slow.Version)
	}

	got, err = cache.Get(ctx, id, func(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
		t.Fatalf("unexpected load: the fresh definition should be cached")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if got.Version != 2 || got.Status != model.SequencePublished {
		t.Fatalf("stale definition cached: version %d status %s", got.Version, got.Status)
	}
}

func TestCacheDropsStaleLoadWithEmptySlot(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, nil)
	id := uuid.New()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Get(ctx, id, func(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
			close(started)
			<-release
			return &model.Sequence{ID: id, Version: 1}, nil
		})
	}()

	<-started
	cache.Invalidate(ctx, id, false)
	close(release)
	<-done

	loads := 0
	got, err := cache.Get(ctx, id, func(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
		loads++
		return &model.Sequence{ID: id, Version: 2}, nil
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loads != 1 || got.Version != 2 {
		t.Fatalf("expected a reload after the racing invalidate, loads=%d version=%d", loads, got.Version)
	}
}
