// Package progression is the participant state machine. Every operation loads the
// participant, applies gating and engagement rules to a private copy, and commits the copy
// together with its events and outbox rows in one version-checked transaction.
package progression

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/engagement"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/identity"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/notify"
	"github.com/dripflow/dripflow/pkg/store"
)

type SequenceSource interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Sequence, error)
}

// Notifier must not block; notify.Async is the production implementation.
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message)
}

type IdentityResolver interface {
	Resolve(ctx context.Context, email string) (string, error)
}

type ProgressPublisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

type Dependencies struct {
	Sequences    SequenceSource
	Participants store.ParticipantReader
	Transactor   store.Transactor
	Tracker      *engagement.Tracker
	Aggregator   *attribution.Aggregator

	// Optional collaborators.
	Notifier Notifier
	Identity IdentityResolver
	Mirror   store.AnalyticsStore
	Progress ProgressPublisher
}

type Config struct {
	EventHorizon time.Duration
	MaxRetries   int
	Clock        func() time.Time
}

type Engine struct {
	sequences    SequenceSource
	participants store.ParticipantReader
	tx           store.Transactor
	tracker      *engagement.Tracker
	aggregator   *attribution.Aggregator
	notifier     Notifier
	identity     IdentityResolver
	mirror       store.AnalyticsStore
	progress     ProgressPublisher

	cfg    Config
	locks  *keyedMutex
	tracer trace.Tracer
	logger *zap.Logger
}

func New(deps Dependencies, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.EventHorizon <= 0 {
		cfg.EventHorizon = 2 * 365 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Tracker == nil {
		deps.Tracker = engagement.NewTracker(engagement.DefaultConfig())
	}
	if deps.Identity == nil {
		deps.Identity = identity.Nop{}
	}
	return &Engine{
		sequences:    deps.Sequences,
		participants: deps.Participants,
		tx:           deps.Transactor,
		tracker:      deps.Tracker,
		aggregator:   deps.Aggregator,
		notifier:     deps.Notifier,
		identity:     deps.Identity,
		mirror:       deps.Mirror,
		progress:     deps.Progress,
		cfg:          cfg,
		locks:        newKeyedMutex(),
		tracer:       otel.Tracer("dripflow/progression"),
		logger:       logger.Named("progression"),
	}
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock().UTC()
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "progression."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && apperr.KindOf(err) != apperr.KindAccessDenied {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// mutate runs fn against a copy of the participant and commits the copy. A version
// conflict reloads and reruns fn; fn must therefore derive everything from m.
func (e *Engine) mutate(ctx context.Context, participantID uuid.UUID, fn func(m *mutation) error) (*model.Participant, error) {
	unlock := e.locks.Lock(participantID)
	defer unlock()

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		current, err := e.participants.GetByID(ctx, participantID)
		if err != nil {
			return nil, store.Wrap("participant "+participantID.String(), err)
		}
		seq, err := e.sequences.Get(ctx, current.SequenceID)
		if err != nil {
			return nil, err
		}

		m := e.newMutation(ctx, seq, current.Clone())
		if err := fn(m); err != nil {
			return nil, err
		}
		if !m.dirty {
			e.finish(ctx, m)
			return current, m.err
		}

		expected := current.Version
		err = e.tx.WithinTx(ctx, func(tx store.Tx) error {
			return m.flush(ctx, tx, expected)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			e.logger.Debug("participant changed concurrently, retrying",
				zap.String("participant_id", participantID.String()),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, store.Wrap("commit participant "+participantID.String(), err)
		}

		e.finish(ctx, m)
		return m.p, m.err
	}
	return nil, apperr.Conflict("participant %s is being modified concurrently", participantID)
}

// finish runs the post-commit side effects. None of them can fail the operation.
func (e *Engine) finish(ctx context.Context, m *mutation) {
	for _, hook := range m.hooks {
		hook()
	}
	for _, ev := range m.events {
		metrics.EventsRecordedTotal.WithLabelValues(string(ev.Type), boolLabel(ev.IsConversion)).Inc()
	}

	if e.notifier != nil {
		for _, msg := range m.notices {
			e.notifier.Dispatch(ctx, msg)
		}
	}

	if e.mirror != nil && len(m.events) > 0 {
		if err := e.mirror.InsertEvents(ctx, m.events); err != nil {
			e.logger.Warn("failed to mirror events to analytics store",
				zap.Int("events", len(m.events)),
				zap.Error(err))
		}
	}

	if e.progress != nil {
		for _, pe := range m.progress {
			event, err := eventbus.NewEvent(eventbus.TypeProgressChanged, pe)
			if err != nil {
				continue
			}
			if err := e.progress.Publish(ctx, eventbus.ChannelProgress, event); err != nil {
				e.logger.Warn("failed to publish progress event",
					zap.String("participant_id", pe.ParticipantID),
					zap.Error(err))
			}
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
