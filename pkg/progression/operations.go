package progression

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/gating"
	"github.com/dripflow/dripflow/pkg/identity"
	"github.com/dripflow/dripflow/pkg/logging"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/notify"
	"github.com/dripflow/dripflow/pkg/store"
)

var errAlreadyRegistered = errors.New("participant already registered")

type RegisterRequest struct {
	SequenceID     uuid.UUID
	Email          string
	ExternalUserID string
	Source         model.Source
	Metadata       model.JSONB
}

// AccessResult is the outcome of CheckAccess. A denial is a result, not an error.
type AccessResult struct {
	ItemID   uuid.UUID     `json:"item_id"`
	Allowed  bool          `json:"allowed"`
	Reason   apperr.Reason `json:"reason,omitempty"`
	UnlockAt *time.Time    `json:"unlock_at,omitempty"`
}

// Register creates the participant for (sequence, email). Registering an identity that
// already exists returns the stored participant and created=false.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (p *model.Participant, created bool, err error) {
	ctx, span := e.startSpan(ctx, "Register", attribute.String("sequence_id", req.SequenceID.String()))
	defer func() { endSpan(span, err) }()

	email := identity.Normalize(req.Email)
	if !identity.Valid(email) {
		return nil, false, apperr.Invalid("invalid email address")
	}
	seq, err := e.sequences.Get(ctx, req.SequenceID)
	if err != nil {
		return nil, false, err
	}
	if seq.Status != model.SequencePublished {
		return nil, false, apperr.Conflict("sequence %s is %s, registration requires published", seq.Slug, seq.Status)
	}

	existing, err := e.participants.GetByIdentity(ctx, seq.ID, email)
	if err == nil {
		metrics.RegistrationsTotal.WithLabelValues(seq.ID.String(), "existing").Inc()
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, store.Wrap("lookup participant", err)
	}

	leadID, err := e.identity.Resolve(ctx, email)
	if err != nil {
		e.logger.Warn("identity resolution failed",
			logging.Identity(email),
			zap.Error(err))
		leadID = ""
	}

	p = &model.Participant{
		ID:             uuid.New(),
		SequenceID:     seq.ID,
		Email:          email,
		ExternalUserID: req.ExternalUserID,
		LeadID:         leadID,
		ItemProgress:   model.ItemProgressMap{},
		Status:         model.ParticipantActive,
		Version:        1,
	}
	m := e.newMutation(ctx, seq, p)
	p.RegisteredAt = m.now

	ev := m.newEvent(model.EventRegistration, nil)
	ev.Source = req.Source
	ev.Metadata = req.Metadata
	if err := m.appendEvent(ev); err != nil {
		return nil, false, err
	}
	attribution.ApplyTouch(p, ev)
	e.tracker.Touch(p, m.now)

	m.emit(model.DomainRegistered, model.JSONB{"lead_id": leadID})
	m.unlocked(gating.Refresh(p, seq, m.now)...)
	p.CurrentItemOrder = currentOrder(p, seq)

	err = e.tx.WithinTx(ctx, func(tx store.Tx) error {
		ok, err := tx.CreateParticipant(ctx, p)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyRegistered
		}
		if err := tx.AppendEvents(ctx, m.events...); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, m.outbox...)
	})
	if errors.Is(err, errAlreadyRegistered) {
		existing, err := e.participants.GetByIdentity(ctx, seq.ID, email)
		if err != nil {
			return nil, false, store.Wrap("lookup participant", err)
		}
		metrics.RegistrationsTotal.WithLabelValues(seq.ID.String(), "existing").Inc()
		return existing, false, nil
	}
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues(seq.ID.String(), "failed").Inc()
		return nil, false, store.Wrap("register participant", err)
	}

	e.finish(ctx, m)
	metrics.RegistrationsTotal.WithLabelValues(seq.ID.String(), "created").Inc()
	e.logger.Info("participant registered",
		zap.String("participant_id", p.ID.String()),
		zap.String("sequence_id", seq.ID.String()),
		logging.Identity(email),
		zap.Bool("lead_linked", leadID != ""))
	return p, true, nil
}

// CheckAccess evaluates the gate for one item. An allowed check persists the lazy unlock,
// touches engagement and records a view event.
func (e *Engine) CheckAccess(ctx context.Context, participantID, itemID uuid.UUID) (result AccessResult, err error) {
	ctx, span := e.startSpan(ctx, "CheckAccess",
		attribute.String("participant_id", participantID.String()),
		attribute.String("item_id", itemID.String()))
	defer func() { endSpan(span, err) }()

	_, err = e.mutate(ctx, participantID, func(m *mutation) error {
		item, ok := m.seq.Item(itemID)
		if !ok {
			return apperr.NotFound("item %s", itemID)
		}
		d := gating.Evaluate(m.p, m.seq, item, m.now)
		result = AccessResult{ItemID: itemID, Allowed: d.Allowed, Reason: d.Reason, UnlockAt: d.UnlockAt}
		m.onCommit(func() { countDecision(m.seq.ID, d) })
		if !d.Allowed {
			return nil
		}

		m.applyDecision(item, d.Reactivated, d.Unlocked)
		e.tracker.Touch(m.p, m.now)
		m.record(model.EventView, item)
		return nil
	})
	return result, err
}

// Start moves an accessible item to in_progress. Repeating it is a no-op while the
// participant is still in the sequence.
func (e *Engine) Start(ctx context.Context, participantID, itemID uuid.UUID) (p *model.Participant, err error) {
	ctx, span := e.startSpan(ctx, "Start",
		attribute.String("participant_id", participantID.String()),
		attribute.String("item_id", itemID.String()))
	defer func() { endSpan(span, err) }()

	return e.mutate(ctx, participantID, func(m *mutation) error {
		item, ok := m.seq.Item(itemID)
		if !ok {
			return apperr.NotFound("item %s", itemID)
		}
		if !m.p.ItemProgress.Get(item.ID).Status.CanAdvance(model.ItemInProgress) {
			return gating.Exited(m.p, m.seq)
		}

		d := gating.Evaluate(m.p, m.seq, item, m.now)
		countDecision(m.seq.ID, d)
		if !d.Allowed {
			return d.Err()
		}
		m.applyDecision(item, d.Reactivated, d.Unlocked)

		e.markStarted(m, item)
		e.tracker.Touch(m.p, m.now)
		return nil
	})
}

func (e *Engine) markStarted(m *mutation, item *model.SequenceItem) {
	progress := m.p.ItemProgress.Get(item.ID)
	if !progress.Status.CanAdvance(model.ItemInProgress) {
		return
	}
	progress.Status = model.ItemInProgress
	if progress.StartedAt == nil {
		startedAt := m.now
		progress.StartedAt = &startedAt
	}
	m.p.ItemProgress.Set(item.ID, progress)

	m.award(item.Key, model.EventStart, e.tracker.PointsFor(model.EventStart))
	m.record(model.EventStart, item)
	m.emit(model.DomainItemStarted, itemPayload(item))
	m.publish(item, string(model.ItemInProgress))
}

// Complete records a completion with its measurements. Completing an item twice returns
// the stored participant without side effects. Measurements below the item's thresholds
// leave the item in_progress and return AccessDenied(condition-not-met).
func (e *Engine) Complete(ctx context.Context, participantID, itemID uuid.UUID, measurements model.Measurements) (p *model.Participant, err error) {
	ctx, span := e.startSpan(ctx, "Complete",
		attribute.String("participant_id", participantID.String()),
		attribute.String("item_id", itemID.String()))
	defer func() { endSpan(span, err) }()

	return e.mutate(ctx, participantID, func(m *mutation) error {
		item, ok := m.seq.Item(itemID)
		if !ok {
			return apperr.NotFound("item %s", itemID)
		}
		if m.p.ItemProgress.Get(item.ID).Status == model.ItemCompleted {
			return gating.Exited(m.p, m.seq)
		}

		d := gating.Evaluate(m.p, m.seq, item, m.now)
		countDecision(m.seq.ID, d)
		if !d.Allowed {
			return d.Err()
		}
		m.applyDecision(item, d.Reactivated, d.Unlocked)

		progress := m.p.ItemProgress.Get(item.ID)
		progress.Measurements = mergeMeasurements(progress.Measurements, measurements)
		m.p.ItemProgress.Set(item.ID, progress)

		if !gating.MeasurementsMet(item, progress.Measurements) {
			e.markStarted(m, item)
			m.dirty = true
			m.fail(apperr.Denied(apperr.ReasonConditionNotMet, nil))
			return nil
		}

		e.markCompleted(m, item, measurements)
		return nil
	})
}

func (e *Engine) markCompleted(m *mutation, item *model.SequenceItem, measurements model.Measurements) {
	p := m.p
	progress := p.ItemProgress.Get(item.ID)
	if progress.StartedAt == nil {
		startedAt := m.now
		progress.StartedAt = &startedAt
	}
	completedAt := m.now
	progress.Status = model.ItemCompleted
	progress.CompletedAt = &completedAt
	p.ItemProgress.Set(item.ID, progress)

	p.CompletedCount++
	p.LastCompletedAt = &completedAt
	if measurements.TimeSpentMinutes != nil && *measurements.TimeSpentMinutes > 0 {
		p.Engagement.TotalTimeSpentMinutes += *measurements.TimeSpentMinutes
	}
	p.CurrentItemOrder = currentOrder(p, m.seq)

	m.award(item.Key, model.EventComplete, e.tracker.PointsFor(model.EventComplete))
	e.tracker.Touch(p, m.now)
	m.record(model.EventComplete, item)
	m.emit(model.DomainItemCompleted, itemPayload(item))
	m.publish(item, string(model.ItemCompleted))
	seqID, order := m.seq.ID.String(), strconv.Itoa(item.Order)
	m.onCommit(func() { metrics.CompletionsTotal.WithLabelValues(seqID, order).Inc() })

	m.unlocked(gating.Refresh(p, m.seq, m.now)...)

	if allCompleted(p, m.seq) && m.setStatus(model.ParticipantCompleted) {
		m.emit(model.DomainSequenceCompleted, model.JSONB{"points": p.Points, "completed_count": p.CompletedCount})
		m.notices = append(m.notices, notify.NewMessage(notify.TemplateSequenceCompleted, p.Email, map[string]string{
			"sequence_name": m.seq.Name,
		}))
	}
	applyExitTags(m)

	for _, code := range e.tracker.AwardBadges(p, m.seq) {
		code := code
		m.emit(model.DomainBadgeAwarded, model.JSONB{"badge": code})
		m.onCommit(func() { metrics.BadgesAwardedTotal.WithLabelValues(code).Inc() })
	}
}

// applyExitTags drops a participant holding any of the sequence's exit tags.
func applyExitTags(m *mutation) {
	for _, tag := range m.p.Tags {
		if m.seq.ExitConditions.HasTag(tag) {
			m.setStatus(model.ParticipantDropped)
			return
		}
	}
}

func mergeMeasurements(current, update model.Measurements) model.Measurements {
	if update.Score != nil {
		current.Score = update.Score
	}
	if update.WatchPercent != nil {
		current.WatchPercent = update.WatchPercent
	}
	if update.TimeSpentMinutes != nil {
		current.TimeSpentMinutes = update.TimeSpentMinutes
	}
	return current
}

// Pause suspends an active participant. The next allowed access check reactivates it.
func (e *Engine) Pause(ctx context.Context, participantID uuid.UUID) (*model.Participant, error) {
	return e.transition(ctx, "Pause", participantID, model.ParticipantPaused)
}

// Drop exits the participant from the sequence. Participants are never deleted.
func (e *Engine) Drop(ctx context.Context, participantID uuid.UUID) (*model.Participant, error) {
	return e.transition(ctx, "Drop", participantID, model.ParticipantDropped)
}

func (e *Engine) transition(ctx context.Context, op string, participantID uuid.UUID, to model.ParticipantStatus) (p *model.Participant, err error) {
	ctx, span := e.startSpan(ctx, op, attribute.String("participant_id", participantID.String()))
	defer func() { endSpan(span, err) }()

	return e.mutate(ctx, participantID, func(m *mutation) error {
		if m.p.Status == to {
			return nil
		}
		if !m.setStatus(to) {
			return apperr.Conflict("participant is %s and cannot become %s", m.p.Status, to)
		}
		return nil
	})
}

func countDecision(sequenceID uuid.UUID, d gating.Decision) {
	metrics.AccessDecisionsTotal.WithLabelValues(sequenceID.String(), boolLabel(d.Allowed), string(d.Reason)).Inc()
}
