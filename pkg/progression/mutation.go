package progression

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/eventbus"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/notify"
	"github.com/dripflow/dripflow/pkg/store"
)

// sequenceItemKey keys point awards that are not tied to an item.
const sequenceItemKey = "_sequence"

// allowedTransitions lists the sequence-level status changes; completed, converted and
// dropped are terminal.
var allowedTransitions = map[model.ParticipantStatus][]model.ParticipantStatus{
	model.ParticipantActive: {
		model.ParticipantCompleted,
		model.ParticipantConverted,
		model.ParticipantDropped,
		model.ParticipantPaused,
	},
	model.ParticipantPaused: {
		model.ParticipantActive,
		model.ParticipantConverted,
		model.ParticipantDropped,
	},
}

func canTransition(from, to model.ParticipantStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// mutation collects the writes of one operation attempt.
type mutation struct {
	now     time.Time
	session string
	horizon time.Duration
	seq     *model.Sequence
	p       *model.Participant

	events   []*model.Event
	outbox   []*model.DomainEvent
	awards   []*model.PointAward
	notices  []notify.Message
	progress []eventbus.ProgressEvent
	hooks    []func()

	dirty bool
	// err is returned to the caller after the writes above are committed.
	err error
}

func (e *Engine) newMutation(ctx context.Context, seq *model.Sequence, p *model.Participant) *mutation {
	if p.ItemProgress == nil {
		p.ItemProgress = model.ItemProgressMap{}
	}
	return &mutation{
		now:     e.now(),
		session: sessionFor(ctx, p),
		horizon: e.cfg.EventHorizon,
		seq:     seq,
		p:       p,
	}
}

func (m *mutation) fail(err error) {
	m.err = err
}

func (m *mutation) onCommit(fn func()) {
	m.hooks = append(m.hooks, fn)
}

func (m *mutation) newEvent(t model.EventType, item *model.SequenceItem) *model.Event {
	pid := m.p.ID
	ev := &model.Event{
		SequenceID:    m.seq.ID,
		ParticipantID: &pid,
		SessionID:     m.session,
		Type:          t,
		Timestamp:     m.now,
	}
	if item != nil {
		order := item.Order
		ev.ItemOrder = &order
	}
	return ev
}

// appendEvent classifies ev and queues it for the transaction.
func (m *mutation) appendEvent(ev *model.Event) error {
	if err := attribution.Classify(ev, m.now, m.horizon); err != nil {
		return err
	}
	m.events = append(m.events, ev)
	m.dirty = true
	return nil
}

func (m *mutation) record(t model.EventType, item *model.SequenceItem) {
	// Engine-generated events carry no metadata and always classify.
	_ = m.appendEvent(m.newEvent(t, item))
}

func (m *mutation) emit(eventType string, payload model.JSONB) {
	m.outbox = append(m.outbox, model.NewDomainEvent(eventType, m.p, payload))
	m.dirty = true
}

func (m *mutation) award(itemKey string, eventType model.EventType, points int) {
	if points <= 0 {
		return
	}
	m.awards = append(m.awards, &model.PointAward{
		ParticipantID: m.p.ID,
		ItemKey:       itemKey,
		EventType:     eventType,
		Points:        points,
		AwardedAt:     m.now,
	})
	m.dirty = true
}

func (m *mutation) publish(item *model.SequenceItem, status string) {
	pe := eventbus.ProgressEvent{
		ParticipantID: m.p.ID.String(),
		SequenceID:    m.seq.ID.String(),
		Status:        status,
	}
	if item != nil {
		pe.ItemID = item.ID.String()
	}
	m.progress = append(m.progress, pe)
}

// setStatus moves the participant to status to when the transition is allowed.
func (m *mutation) setStatus(to model.ParticipantStatus) bool {
	from := m.p.Status
	if from == to || !canTransition(from, to) {
		return false
	}
	m.p.Status = to
	m.statusChanged(from)
	return true
}

// statusChanged records a transition that has already been applied to m.p.
func (m *mutation) statusChanged(from model.ParticipantStatus) {
	to := m.p.Status
	m.emit(model.DomainStatusChanged, model.JSONB{"from": string(from), "to": string(to)})
	m.publish(nil, string(to))
	m.onCommit(func() {
		metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	})
	m.dirty = true
}

func (m *mutation) unlocked(ids ...uuid.UUID) {
	for _, id := range ids {
		item, ok := m.seq.Item(id)
		if !ok {
			continue
		}
		m.emit(model.DomainItemUnlocked, itemPayload(item))
		m.publish(item, string(model.ItemUnlocked))

		template := item.NotifyTemplate
		if template == "" {
			template = notify.TemplateItemUnlocked
		}
		m.notices = append(m.notices, notify.NewMessage(template, m.p.Email, map[string]string{
			"sequence_name": m.seq.Name,
			"item_title":    item.Title,
			"item_key":      item.Key,
			"item_order":    strconv.Itoa(item.Order),
		}))
	}
}

// applyDecision records the side effects of an allowed gating decision.
func (m *mutation) applyDecision(item *model.SequenceItem, reactivated, unlocked bool) {
	if reactivated {
		m.statusChanged(model.ParticipantPaused)
	}
	if unlocked {
		m.unlocked(item.ID)
	}
}

// flush writes the queued changes inside tx. Points are added only for awards the store
// accepted, so a replayed request cannot award twice.
func (m *mutation) flush(ctx context.Context, tx store.Tx, expectedVersion int) error {
	for _, award := range m.awards {
		inserted, err := tx.AwardPoints(ctx, award)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		m.p.Points += award.Points
		award := award
		m.onCommit(func() {
			metrics.PointsAwardedTotal.WithLabelValues(string(award.EventType)).Add(float64(award.Points))
		})
	}
	if err := tx.UpdateParticipant(ctx, m.p, expectedVersion); err != nil {
		return err
	}
	if err := tx.AppendEvents(ctx, m.events...); err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, m.outbox...)
}

func itemPayload(item *model.SequenceItem) model.JSONB {
	return model.JSONB{
		"item_id":    item.ID.String(),
		"item_key":   item.Key,
		"item_order": item.Order,
	}
}

// currentOrder is the lowest order not yet completed, or the last order once all are.
func currentOrder(p *model.Participant, seq *model.Sequence) int {
	items := seq.Ordered()
	for _, item := range items {
		if p.ItemProgress.Get(item.ID).Status != model.ItemCompleted {
			return item.Order
		}
	}
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].Order
}

func allCompleted(p *model.Participant, seq *model.Sequence) bool {
	if len(seq.Items) == 0 {
		return false
	}
	for _, item := range seq.Items {
		if p.ItemProgress.Get(item.ID).Status != model.ItemCompleted {
			return false
		}
	}
	return true
}
