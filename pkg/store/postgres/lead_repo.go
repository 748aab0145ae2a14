package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/dripflow/dripflow/pkg/model"
)

type LeadRepository struct {
	db *gorm.DB
}

func NewLeadRepository(db *gorm.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

func (r *LeadRepository) Create(ctx context.Context, lead *model.Lead) error {
	return r.db.WithContext(ctx).Create(lead).Error
}

func (r *LeadRepository) GetByEmail(ctx context.Context, email string) (*model.Lead, error) {
	var lead model.Lead
	if err := r.db.WithContext(ctx).First(&lead, "email = ?", email).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}
