package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := NewWithDB(db)
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func testSequence() *model.Sequence {
	return &model.Sequence{
		ID:           uuid.New(),
		Name:         "Launch",
		Slug:         "launch-" + uuid.NewString()[:8],
		Kind:         model.KindFunnel,
		Status:       model.SequencePublished,
		DeliveryMode: model.DeliveryAllAtOnce,
		Timezone:     "UTC",
		Items:        model.SequenceItems{{ID: uuid.New(), Key: "optin", Order: 0}},
		Version:      1,
	}
}

func TestSequenceCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := newTestStore(t).Sequences()
	seq := testSequence()
	if err := repo.Create(ctx, seq); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &model.Sequence{Name: "dup", Slug: seq.Slug, DeliveryMode: model.DeliveryAllAtOnce}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate slug error, got %v", err)
	}

	seq.Name = "Launch v2"
	seq.Version = 2
	if err := repo.Update(ctx, seq, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	seq.Version = 3
	if err := repo.Update(ctx, seq, 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	loaded, err := repo.GetByID(ctx, seq.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Name != "Launch v2" || loaded.Version != 2 || len(loaded.Items) != 1 {
		t.Fatalf("unexpected stored sequence %+v", loaded)
	}
	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParticipantUniquenessAndCAS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seqID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	first := &model.Participant{SequenceID: seqID, Email: "a@x.com", RegisteredAt: now, Status: model.ParticipantActive, Version: 1, ItemProgress: model.ItemProgressMap{}}
	dup := &model.Participant{SequenceID: seqID, Email: "a@x.com", RegisteredAt: now, Status: model.ParticipantActive, Version: 1, ItemProgress: model.ItemProgressMap{}}

	var created, duplicated bool
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if created, err = tx.CreateParticipant(ctx, first); err != nil {
			return err
		}
		duplicated, err = tx.CreateParticipant(ctx, dup)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if !created || duplicated {
		t.Fatalf("expected exactly one insert, got created=%v duplicated=%v", created, duplicated)
	}

	loaded, err := s.Participants().GetByIdentity(ctx, seqID, "a@x.com")
	if err != nil {
		t.Fatalf("get by identity: %v", err)
	}
	loaded.Points = 10
	loaded.Tags = append(loaded.Tags, "vip")
	if err := s.WithinTx(ctx, func(tx store.Tx) error { return tx.UpdateParticipant(ctx, loaded, 1) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	stale := loaded.Clone()
	if err := s.WithinTx(ctx, func(tx store.Tx) error { return tx.UpdateParticipant(ctx, stale, 1) }); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	reloaded, err := s.Participants().GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Version != 2 || reloaded.Points != 10 || !reloaded.HasTag("vip") {
		t.Fatalf("unexpected participant %+v", reloaded)
	}
}

func TestAwardPointsOncePerTuple(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	participantID := uuid.New()

	results := make([]bool, 0, 3)
	for _, eventType := range []model.EventType{model.EventComplete, model.EventComplete, model.EventStart} {
		award := &model.PointAward{ParticipantID: participantID, ItemKey: "day-1", EventType: eventType, Points: 10, AwardedAt: time.Now()}
		err := s.WithinTx(ctx, func(tx store.Tx) error {
			ok, err := tx.AwardPoints(ctx, award)
			results = append(results, ok)
			return err
		})
		if err != nil {
			t.Fatalf("award: %v", err)
		}
	}
	if !results[0] || results[1] || !results[2] {
		t.Fatalf("unexpected award results %v", results)
	}
}

func TestLeaderboardTieBreak(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seqID := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	early, late := base.Add(time.Hour), base.Add(2*time.Hour)

	rows := []*model.Participant{
		{Email: "late@x.com", Points: 50, CompletedCount: 3, LastCompletedAt: &late},
		{Email: "early@x.com", Points: 50, CompletedCount: 3, LastCompletedAt: &early},
		{Email: "more@x.com", Points: 50, CompletedCount: 4, LastCompletedAt: &late},
		{Email: "top@x.com", Points: 90, CompletedCount: 1, LastCompletedAt: &late},
		{Email: "gone@x.com", Points: 500, Status: model.ParticipantDropped},
	}
	for _, p := range rows {
		p.SequenceID = seqID
		p.RegisteredAt = base
		p.Version = 1
		if p.Status == "" {
			p.Status = model.ParticipantActive
		}
		if err := s.DB().Create(p).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	board, err := s.Participants().Leaderboard(ctx, seqID, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	want := []string{"top@x.com", "more@x.com", "early@x.com", "late@x.com"}
	if len(board) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(board))
	}
	for i, email := range want {
		if board[i].Email != email {
			t.Fatalf("position %d: want %s, got %s", i, email, board[i].Email)
		}
	}
}

func TestEventAggregations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	events := s.Events()
	seqID := uuid.New()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	step := 0

	var rows []*model.Event
	for i := 0; i < 100; i++ {
		session := fmt.Sprintf("s-%d", i)
		rows = append(rows, &model.Event{SequenceID: seqID, SessionID: session, Type: model.EventView, ItemOrder: &step, Timestamp: base, ExpiresAt: base.Add(time.Hour)})
		// a reload must not count twice
		rows = append(rows, &model.Event{SequenceID: seqID, SessionID: session, Type: model.EventView, ItemOrder: &step, Timestamp: base.Add(time.Minute), ExpiresAt: base.Add(time.Hour)})
		if i < 40 {
			rows = append(rows, &model.Event{SequenceID: seqID, SessionID: session, Type: model.EventComplete, ItemOrder: &step, Timestamp: base.Add(2 * time.Minute), ExpiresAt: base.Add(48 * time.Hour)})
		}
	}
	price := 100.0
	rows = append(rows,
		&model.Event{SequenceID: seqID, SessionID: "s-1", Type: model.EventPurchase, Value: &price, IsConversion: true, Source: model.Source{UTMSource: "google", UTMCampaign: "brand"}, Timestamp: base, ExpiresAt: base.Add(48 * time.Hour)},
		&model.Event{SequenceID: seqID, SessionID: "s-2", Type: model.EventPurchase, Value: &price, IsConversion: true, Timestamp: base, ExpiresAt: base.Add(48 * time.Hour)},
	)
	if err := events.InsertEvents(ctx, rows); err != nil {
		t.Fatalf("insert: %v", err)
	}

	tr := store.TimeRange{From: base, To: base.Add(24 * time.Hour)}
	counts, err := events.StepSessionCounts(ctx, seqID, tr)
	if err != nil {
		t.Fatalf("step counts: %v", err)
	}
	if len(counts) != 1 || counts[0].UniqueViews != 100 || counts[0].UniqueCompletions != 40 {
		t.Fatalf("unexpected step counts %+v", counts)
	}

	revenue, err := events.RevenueBySource(ctx, tr)
	if err != nil {
		t.Fatalf("revenue: %v", err)
	}
	if len(revenue) != 2 {
		t.Fatalf("expected two source buckets, got %+v", revenue)
	}
	sources := map[string]int64{}
	for _, row := range revenue {
		sources[row.Source] = row.Orders
	}
	if sources["google"] != 1 || sources["unknown"] != 1 {
		t.Fatalf("unexpected buckets %+v", revenue)
	}

	totals, err := events.FunnelTotals(ctx, seqID, tr)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.UniqueVisitors != 100 || totals.Conversions != 2 || totals.Revenue != 200 {
		t.Fatalf("unexpected totals %+v", totals)
	}

	deleted, err := events.DeleteExpired(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 200 {
		t.Fatalf("expected 200 expired views, got %d", deleted)
	}
}
