package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

// EventRepository serves the event log and its aggregations straight from PostgreSQL.
type EventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// InsertEvents is idempotent on event id, so mirroring rows that the engine already wrote
// in its transaction is harmless.
func (r *EventRepository) InsertEvents(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(events, 100).Error
}

func (r *EventRepository) ListByParticipant(ctx context.Context, participantID uuid.UUID, limit int) ([]model.Event, error) {
	var events []model.Event
	query := r.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("timestamp ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	return events, err
}

func (r *EventRepository) StepSessionCounts(ctx context.Context, sequenceID uuid.UUID, tr store.TimeRange) ([]store.StepCount, error) {
	var rows []store.StepCount
	query := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Select(`item_order,
			COUNT(DISTINCT CASE WHEN type = ? THEN session_id END) AS unique_views,
			COUNT(DISTINCT CASE WHEN type = ? THEN session_id END) AS unique_completions`,
			model.EventView, model.EventComplete).
		Where("sequence_id = ? AND item_order IS NOT NULL", sequenceID)
	err := inRange(query, tr).
		Group("item_order").
		Order("item_order").
		Scan(&rows).Error
	return rows, err
}

func (r *EventRepository) RevenueBySource(ctx context.Context, tr store.TimeRange) ([]store.SourceRevenue, error) {
	var rows []store.SourceRevenue
	query := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Select(`COALESCE(NULLIF(utm_source, ''), 'unknown') AS source,
			COALESCE(utm_campaign, '') AS campaign,
			COALESCE(SUM(value), 0) AS revenue,
			COUNT(*) AS orders`).
		Where("type = ?", model.EventPurchase)
	err := inRange(query, tr).
		Group("1, 2").
		Order("revenue DESC").
		Scan(&rows).Error
	return rows, err
}

func (r *EventRepository) FunnelTotals(ctx context.Context, sequenceID uuid.UUID, tr store.TimeRange) (store.FunnelTotals, error) {
	var totals store.FunnelTotals
	query := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Select(`COUNT(DISTINCT session_id) AS unique_visitors,
			COUNT(DISTINCT CASE WHEN type = ? THEN session_id END) AS registrations,
			COUNT(DISTINCT CASE WHEN is_conversion AND type <> ? THEN session_id END) AS conversions,
			COALESCE(SUM(CASE WHEN type = ? THEN value END), 0) AS revenue`,
			model.EventRegistration, model.EventRegistration, model.EventPurchase).
		Where("sequence_id = ?", sequenceID)
	err := inRange(query, tr).Scan(&totals).Error
	return totals, err
}

func (r *EventRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&model.Event{})
	return result.RowsAffected, result.Error
}

func (r *EventRepository) Close() error {
	// the connection pool belongs to Store
	return nil
}

func inRange(query *gorm.DB, tr store.TimeRange) *gorm.DB {
	if !tr.From.IsZero() {
		query = query.Where("timestamp >= ?", tr.From.UTC())
	}
	if !tr.To.IsZero() {
		query = query.Where("timestamp < ?", tr.To.UTC())
	}
	return query
}
