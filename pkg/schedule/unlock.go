// Package schedule computes when sequence items become eligible for a participant.
// Everything here is a pure function of durable participant and sequence state; nothing
// holds timers, and eligibility is evaluated lazily at access time.
package schedule

import (
	"time"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/model"
)

// Unlock is the computed eligibility instant of an item. Determined is false while the
// instant depends on prior items that are not complete yet.
type Unlock struct {
	At         time.Time
	Determined bool
}

func undetermined() Unlock { return Unlock{} }

func at(t time.Time) Unlock { return Unlock{At: t, Determined: true} }

// ComputeUnlock returns the unlock instant of item for p.
func ComputeUnlock(p *model.Participant, seq *model.Sequence, item *model.SequenceItem) Unlock {
	for _, depID := range item.RequiredPriorItems {
		if p.ItemProgress.Get(depID).Status == model.ItemLocked {
			return undetermined()
		}
	}

	registered := p.RegisteredAt

	var base Unlock
	switch seq.DeliveryMode {
	case model.DeliveryAllAtOnce:
		return at(registered)
	case model.DeliveryDripFromRegistration:
		base = at(registered.Add(item.UnlockRule.Delay()))
	case model.DeliveryDripFromCompletion:
		if item.Order == 0 {
			base = at(registered)
		} else {
			base = afterPrevious(p, seq, item)
		}
	case model.DeliveryHybrid:
		base = byRule(p, seq, item)
	default:
		return undetermined()
	}

	if !base.Determined {
		return base
	}
	if roundsToTimeOfDay(seq, item) {
		return at(NextTimeOfDay(base.At, *item.UnlockRule.Hour, item.UnlockRule.Minute, seq.Location()))
	}
	return base
}

func byRule(p *model.Participant, seq *model.Sequence, item *model.SequenceItem) Unlock {
	rule := item.UnlockRule
	switch rule.Type {
	case model.UnlockImmediate:
		return at(p.RegisteredAt)
	case model.UnlockDelayFromRegistration, model.UnlockCalendarTimeOfDay:
		return at(p.RegisteredAt.Add(rule.Delay()))
	case model.UnlockDelayFromPrevious:
		if item.Order == 0 {
			return at(p.RegisteredAt.Add(rule.Delay()))
		}
		return afterPrevious(p, seq, item)
	default:
		return undetermined()
	}
}

// afterPrevious anchors on the latest completion among the required prior items, or on
// the immediately preceding item when none are declared.
func afterPrevious(p *model.Participant, seq *model.Sequence, item *model.SequenceItem) Unlock {
	anchors := item.RequiredPriorItems
	if len(anchors) == 0 {
		prev, ok := seq.ItemAt(item.Order - 1)
		if !ok {
			return at(p.RegisteredAt.Add(item.UnlockRule.Delay()))
		}
		anchors = []uuid.UUID{prev.ID}
	}

	var latest time.Time
	for _, id := range anchors {
		progress := p.ItemProgress.Get(id)
		if progress.Status != model.ItemCompleted || progress.CompletedAt == nil {
			return undetermined()
		}
		if progress.CompletedAt.After(latest) {
			latest = *progress.CompletedAt
		}
	}
	return at(latest.Add(item.UnlockRule.Delay()))
}

func roundsToTimeOfDay(seq *model.Sequence, item *model.SequenceItem) bool {
	rule := item.UnlockRule
	if !rule.HasTimeOfDay() || seq.DeliveryMode == model.DeliveryAllAtOnce {
		return false
	}
	if seq.DeliveryMode == model.DeliveryHybrid && rule.Type == model.UnlockImmediate {
		return false
	}
	return true
}

// NextTimeOfDay returns the first instant at or after t whose wall clock in loc reads hour:minute.
func NextTimeOfDay(t time.Time, hour, minute int, loc *time.Location) time.Time {
	local := t.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if candidate.Before(local) {
		candidate = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return candidate.UTC()
}

// NextUnlock returns the earliest determined unlock instant after now among items that are
// still locked, for "next item unlocks at" displays.
func NextUnlock(p *model.Participant, seq *model.Sequence, now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for i := range seq.Items {
		item := &seq.Items[i]
		if p.ItemProgress.Get(item.ID).Status != model.ItemLocked {
			continue
		}
		unlock := ComputeUnlock(p, seq, item)
		if !unlock.Determined || !unlock.At.After(now) {
			continue
		}
		if !found || unlock.At.Before(next) {
			next = unlock.At
			found = true
		}
	}
	return next, found
}
