// Package retention deletes behavioral events past their retention horizon and prunes
// published outbox rows.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/metrics"
)

type EventPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type OutboxPurger interface {
	PurgePublished(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sweeper struct {
	events    []EventPurger
	outbox    OutboxPurger
	outboxTTL time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewSweeper sweeps every event backend in events. outbox may be nil.
func NewSweeper(events []EventPurger, outbox OutboxPurger, outboxTTL, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if outboxTTL <= 0 {
		outboxTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		events:    events,
		outbox:    outbox,
		outboxTTL: outboxTTL,
		interval:  interval,
		now:       time.Now,
		logger:    logger.Named("retention"),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("retention sweeper starting", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of expired events removed. A failing backend
// is logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	now := s.now().UTC()

	var deleted int64
	for _, purger := range s.events {
		n, err := purger.DeleteExpired(ctx, now)
		if err != nil {
			s.logger.Warn("failed to delete expired events", zap.Error(err))
			continue
		}
		deleted += n
	}
	metrics.RetentionDeletedTotal.Add(float64(deleted))

	var purged int64
	if s.outbox != nil {
		n, err := s.outbox.PurgePublished(ctx, now.Add(-s.outboxTTL))
		if err != nil {
			s.logger.Warn("failed to purge published outbox rows", zap.Error(err))
		}
		purged = n
	}

	if deleted > 0 || purged > 0 {
		s.logger.Info("retention sweep finished",
			zap.Int64("events_deleted", deleted),
			zap.Int64("outbox_purged", purged))
	}
	return deleted
}
