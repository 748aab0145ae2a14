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

type ParticipantRepository struct {
	db *gorm.DB
}

func NewParticipantRepository(db *gorm.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func (r *ParticipantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *ParticipantRepository) GetByIdentity(ctx context.Context, sequenceID uuid.UUID, email string) (*model.Participant, error) {
	var p model.Participant
	err := r.db.WithContext(ctx).
		Where("sequence_id = ? AND email = ?", sequenceID, email).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Leaderboard orders by points, then completed items, then the earliest last completion,
// then id so that ties always resolve the same way.
func (r *ParticipantRepository) Leaderboard(ctx context.Context, sequenceID uuid.UUID, limit int) ([]model.Participant, error) {
	if limit <= 0 {
		limit = 10
	}
	var participants []model.Participant
	err := r.db.WithContext(ctx).
		Where("sequence_id = ? AND status <> ?", sequenceID, model.ParticipantDropped).
		Order("points DESC").
		Order("completed_count DESC").
		Order("last_completed_at IS NULL").
		Order("last_completed_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&participants).Error
	return participants, err
}

func (r *ParticipantRepository) CountByStatus(ctx context.Context, sequenceID uuid.UUID) (map[model.ParticipantStatus]int64, error) {
	var rows []struct {
		Status model.ParticipantStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Participant{}).
		Select("status, COUNT(*) AS count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.ParticipantStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *ParticipantRepository) List(ctx context.Context, sequenceID uuid.UUID, status *model.ParticipantStatus, limit, offset int) ([]model.Participant, int64, error) {
	var participants []model.Participant
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Participant{}).Where("sequence_id = ?", sequenceID)
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("registered_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&participants).Error

	return participants, total, err
}

type txRepository struct {
	db *gorm.DB
}

func (t *txRepository) CreateParticipant(ctx context.Context, p *model.Participant) (bool, error) {
	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (t *txRepository) UpdateParticipant(ctx context.Context, p *model.Participant, expectedVersion int) error {
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now().UTC()
	result := t.db.WithContext(ctx).
		Model(p).
		Where("version = ?", expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(p)
	if result.Error != nil {
		p.Version = expectedVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		p.Version = expectedVersion
		var count int64
		if err := t.db.WithContext(ctx).Model(&model.Participant{}).Where("id = ?", p.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	return nil
}

func (t *txRepository) AwardPoints(ctx context.Context, award *model.PointAward) (bool, error) {
	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(award)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (t *txRepository) AppendEvents(ctx context.Context, events ...*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).CreateInBatches(events, 100).Error
}

func (t *txRepository) AppendOutbox(ctx context.Context, events ...*model.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	return t.db.WithContext(ctx).CreateInBatches(events, 100).Error
}
