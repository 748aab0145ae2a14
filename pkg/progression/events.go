package progression

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/gating"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

// RecordEvent appends a behavioral event. Events tied to a participant also update its
// attribution and evaluate exit conditions: a purchase converts, an unsubscribe or an exit
// tag drops. start, complete and registration events come only from the engine's own
// operations and are rejected here.
func (e *Engine) RecordEvent(ctx context.Context, event *model.Event) (err error) {
	ctx, span := e.startSpan(ctx, "RecordEvent",
		attribute.String("sequence_id", event.SequenceID.String()),
		attribute.String("type", string(event.Type)))
	defer func() { endSpan(span, err) }()

	if event.SequenceID == uuid.Nil {
		return apperr.Invalid("sequence_id is required")
	}
	if err := attribution.Classify(event, e.now(), e.cfg.EventHorizon); err != nil {
		return err
	}
	if attribution.EngineOwned(event.Type) {
		return apperr.Invalid("%s events are recorded by the engine", event.Type)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.ParticipantID == nil {
		return e.recordAnonymous(ctx, event)
	}

	_, err = e.mutate(ctx, *event.ParticipantID, func(m *mutation) error {
		if m.p.SequenceID != event.SequenceID {
			return apperr.Invalid("participant %s is not registered in sequence %s", m.p.ID, event.SequenceID)
		}
		ev := *event
		if ev.SessionID == "" {
			ev.SessionID = m.session
		}
		m.events = append(m.events, &ev)
		m.dirty = true

		attribution.ApplyTouch(m.p, &ev)
		return e.applyEvent(m, &ev)
	})
	return err
}

func (e *Engine) recordAnonymous(ctx context.Context, event *model.Event) error {
	if event.SessionID == "" {
		event.SessionID = SessionFrom(ctx, "")
	}
	if event.SessionID == "" {
		return apperr.Invalid("session_id is required for events without a participant")
	}
	if _, err := e.sequences.Get(ctx, event.SequenceID); err != nil {
		return err
	}
	err := e.tx.WithinTx(ctx, func(tx store.Tx) error {
		return tx.AppendEvents(ctx, event)
	})
	if err != nil {
		return store.Wrap("record event", err)
	}
	e.finish(ctx, &mutation{events: []*model.Event{event}})
	return nil
}

func (e *Engine) applyEvent(m *mutation, ev *model.Event) error {
	p := m.p
	switch ev.Type {
	case model.EventPurchase:
		m.setStatus(model.ParticipantConverted)

	case model.EventUnsubscribe:
		if m.seq.ExitConditions.OnUnsubscribe {
			m.setStatus(model.ParticipantDropped)
		}

	case model.EventTagAdded:
		tag, err := metadataString(ev.Metadata, "tag")
		if err != nil {
			return err
		}
		if !p.HasTag(tag) {
			p.Tags = append(p.Tags, tag)
		}
		applyExitTags(m)
		m.unlocked(gating.Refresh(p, m.seq, m.now)...)

	case model.EventTagRemoved:
		tag, err := metadataString(ev.Metadata, "tag")
		if err != nil {
			return err
		}
		kept := p.Tags[:0]
		for _, t := range p.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		p.Tags = kept
		m.unlocked(gating.Refresh(p, m.seq, m.now)...)

	case model.EventLogin:
		p.Engagement.LoginCount++
		e.tracker.Touch(p, m.now)

	case model.EventVideoProgress:
		if err := applyWatchProgress(m, ev); err != nil {
			return err
		}
		e.tracker.Touch(p, m.now)
	}

	if points := e.tracker.PointsFor(ev.Type); points > 0 && ev.Type != model.EventStart && ev.Type != model.EventComplete {
		key := sequenceItemKey
		if ev.ItemOrder != nil {
			if item, ok := m.seq.ItemAt(*ev.ItemOrder); ok {
				key = item.Key
			}
		}
		m.award(key, ev.Type, points)
	}

	e.logger.Debug("event applied",
		zap.String("participant_id", p.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("status", string(p.Status)))
	return nil
}

// applyWatchProgress keeps the highest watch percentage reported for the item.
func applyWatchProgress(m *mutation, ev *model.Event) error {
	if ev.ItemOrder == nil {
		return apperr.Invalid("video_progress requires item_order")
	}
	item, ok := m.seq.ItemAt(*ev.ItemOrder)
	if !ok {
		return apperr.NotFound("item order %d", *ev.ItemOrder)
	}
	percent, err := metadataFloat(ev.Metadata, "percent")
	if err != nil {
		return err
	}
	if percent < 0 || percent > 100 {
		return apperr.Invalid("percent must be between 0 and 100")
	}

	progress := m.p.ItemProgress.Get(item.ID)
	if progress.Status == model.ItemLocked {
		return nil
	}
	if progress.Measurements.WatchPercent == nil || *progress.Measurements.WatchPercent < percent {
		progress.Measurements.WatchPercent = &percent
		m.p.ItemProgress.Set(item.ID, progress)
	}
	return nil
}

func metadataString(metadata model.JSONB, key string) (string, error) {
	v, ok := metadata[key].(string)
	if !ok || v == "" {
		return "", apperr.Invalid("metadata %s is required", key)
	}
	return v, nil
}

func metadataFloat(metadata model.JSONB, key string) (float64, error) {
	switch v := metadata[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, apperr.Invalid("metadata %s: %v", key, err)
		}
		return f, nil
	case nil:
		return 0, apperr.Invalid("metadata %s is required", key)
	default:
		return 0, apperr.Invalid("metadata %s has unsupported type %s", key, fmt.Sprintf("%T", v))
	}
}
