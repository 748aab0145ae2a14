package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

type SequenceRepository struct {
	db *gorm.DB
}

func NewSequenceRepository(db *gorm.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

func (r *SequenceRepository) Create(ctx context.Context, seq *model.Sequence) error {
	var existing int64
	if err := r.db.WithContext(ctx).Model(&model.Sequence{}).Where("slug = ?", seq.Slug).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return store.ErrDuplicate
	}
	err := r.db.WithContext(ctx).Create(seq).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrDuplicate
	}
	return err
}

func (r *SequenceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Sequence, error) {
	var seq model.Sequence
	if err := r.db.WithContext(ctx).First(&seq, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (r *SequenceRepository) GetBySlug(ctx context.Context, slug string) (*model.Sequence, error) {
	var seq model.Sequence
	if err := r.db.WithContext(ctx).First(&seq, "slug = ?", slug).Error; err != nil {
		return nil, notFound(err)
	}
	return &seq, nil
}

func (r *SequenceRepository) Update(ctx context.Context, seq *model.Sequence, expectedVersion int) error {
	result := r.db.WithContext(ctx).
		Model(seq).
		Where("version = ?", expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(seq)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missOrConflict(ctx, seq.ID)
	}
	return nil
}

func (r *SequenceRepository) List(ctx context.Context, status *model.SequenceStatus, limit, offset int) ([]model.Sequence, int64, error) {
	var sequences []model.Sequence
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Sequence{})
	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&sequences).Error

	return sequences, total, err
}

func (r *SequenceRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Sequence{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return store.ErrNotFound
	}
	return store.ErrVersionConflict
}
