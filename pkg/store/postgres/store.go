package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

type Store struct {
	db *gorm.DB
}

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	logMode := logger.Warn
	if cfg.LogQueries {
		logMode = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logMode),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened connection.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.Sequence{},
		&model.Participant{},
		&model.Event{},
		&model.PointAward{},
		&model.DomainEvent{},
		&model.Lead{},
	)
}

func (s *Store) Sequences() *SequenceRepository {
	return NewSequenceRepository(s.db)
}

func (s *Store) Participants() *ParticipantRepository {
	return NewParticipantRepository(s.db)
}

func (s *Store) Events() *EventRepository {
	return NewEventRepository(s.db)
}

func (s *Store) Outbox() *OutboxRepository {
	return NewOutboxRepository(s.db)
}

func (s *Store) Leads() *LeadRepository {
	return NewLeadRepository(s.db)
}

// WithinTx runs fn in one database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txRepository{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
