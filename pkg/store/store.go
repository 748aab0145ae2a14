package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate record")
)

// SequenceStore persists sequence definitions.
type SequenceStore interface {
	Create(ctx context.Context, seq *model.Sequence) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Sequence, error)
	GetBySlug(ctx context.Context, slug string) (*model.Sequence, error)

	// Update writes seq only if the stored version still equals expectedVersion.
	Update(ctx context.Context, seq *model.Sequence, expectedVersion int) error
}

type ParticipantReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Participant, error)
	GetByIdentity(ctx context.Context, sequenceID uuid.UUID, email string) (*model.Participant, error)
	Leaderboard(ctx context.Context, sequenceID uuid.UUID, limit int) ([]model.Participant, error)
	CountByStatus(ctx context.Context, sequenceID uuid.UUID) (map[model.ParticipantStatus]int64, error)
}

// Tx is the write side of one progression mutation. Everything written through a Tx
// commits or rolls back together.
type Tx interface {
	// CreateParticipant inserts p unless (sequence, email) already exists.
	CreateParticipant(ctx context.Context, p *model.Participant) (bool, error)

	// UpdateParticipant is a compare-and-swap on the version column.
	UpdateParticipant(ctx context.Context, p *model.Participant, expectedVersion int) error

	// AwardPoints reports false when the (participant, item, event type) tuple was already awarded.
	AwardPoints(ctx context.Context, award *model.PointAward) (bool, error)

	AppendEvents(ctx context.Context, events ...*model.Event) error
	AppendOutbox(ctx context.Context, events ...*model.DomainEvent) error
}

type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

type StepCount struct {
	ItemOrder         int
	UniqueViews       int64
	UniqueCompletions int64
}

type SourceRevenue struct {
	Source   string
	Campaign string
	Revenue  float64
	Orders   int64
}

type FunnelTotals struct {
	UniqueVisitors int64
	Registrations  int64
	Conversions    int64
	Revenue        float64
}

// AnalyticsStore defines the aggregation backends over the event log (PostgreSQL, ClickHouse).
type AnalyticsStore interface {
	// InsertEvents mirrors events into the backend; the postgres backend already holds them.
	InsertEvents(ctx context.Context, events []*model.Event) error

	// StepSessionCounts counts unique sessions per item order for view and complete events.
	StepSessionCounts(ctx context.Context, sequenceID uuid.UUID, r TimeRange) ([]StepCount, error)

	RevenueBySource(ctx context.Context, r TimeRange) ([]SourceRevenue, error)

	FunnelTotals(ctx context.Context, sequenceID uuid.UUID, r TimeRange) (FunnelTotals, error)

	// DeleteExpired removes events past their retention horizon.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Wrap translates a repository error into the engine's error taxonomy.
func Wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("%s", op)
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrDuplicate):
		return apperr.Conflict("%s: %v", op, err)
	case apperr.KindOf(err) != "":
		return err
	default:
		return apperr.Unavailable(op, err)
	}
}
