// Package gating decides whether a participant may currently view or complete an item.
package gating

import (
	"time"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/schedule"
)

type Decision struct {
	Allowed  bool
	Reason   apperr.Reason
	UnlockAt *time.Time

	// Unlocked is set when the evaluation moved the item from locked to unlocked.
	Unlocked bool
	// Reactivated is set when a paused participant was moved back to active.
	Reactivated bool
}

// Err returns the AccessDenied error for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Denied(d.Reason, d.UnlockAt)
}

func deny(reason apperr.Reason) Decision {
	return Decision{Reason: reason}
}

// Evaluate runs the access checks in order and stops at the first failure. On success it
// mutates p: a locked item becomes unlocked and a paused participant becomes active.
// Re-evaluating an already unlocked item changes nothing.
func Evaluate(p *model.Participant, seq *model.Sequence, item *model.SequenceItem, now time.Time) Decision {
	if reason, ok := checkStatus(p, seq); !ok {
		return deny(reason)
	}

	for _, depID := range item.RequiredPriorItems {
		if p.ItemProgress.Get(depID).Status != model.ItemCompleted {
			return deny(apperr.ReasonPrerequisiteIncomplete)
		}
	}

	unlock := schedule.ComputeUnlock(p, seq, item)
	if !unlock.Determined {
		return deny(apperr.ReasonNotYetUnlocked)
	}
	if now.Before(unlock.At) {
		unlockAt := unlock.At
		return Decision{Reason: apperr.ReasonNotYetUnlocked, UnlockAt: &unlockAt}
	}

	if !ConditionsMet(p, seq, item) {
		return deny(apperr.ReasonConditionNotMet)
	}

	decision := Decision{Allowed: true}
	if p.Status == model.ParticipantPaused {
		p.Status = model.ParticipantActive
		decision.Reactivated = true
	}

	progress := p.ItemProgress.Get(item.ID)
	if progress.Status == model.ItemLocked {
		unlockedAt := now
		progress.Status = model.ItemUnlocked
		progress.UnlockedAt = &unlockedAt
		if p.ItemProgress == nil {
			p.ItemProgress = model.ItemProgressMap{}
		}
		p.ItemProgress.Set(item.ID, progress)
		decision.Unlocked = true
	}
	return decision
}

// Exited returns AccessDenied(sequence-exited) when p has left seq, nil otherwise.
func Exited(p *model.Participant, seq *model.Sequence) error {
	if reason, ok := checkStatus(p, seq); !ok {
		return apperr.Denied(reason, nil)
	}
	return nil
}

// checkStatus admits active, completed and paused participants. Dropped participants have
// exited; converted ones have exited only when the sequence ends on purchase.
func checkStatus(p *model.Participant, seq *model.Sequence) (apperr.Reason, bool) {
	switch p.Status {
	case model.ParticipantDropped:
		return apperr.ReasonSequenceExited, false
	case model.ParticipantConverted:
		if seq.ExitConditions.OnPurchase {
			return apperr.ReasonSequenceExited, false
		}
	}
	for _, tag := range p.Tags {
		if seq.ExitConditions.HasTag(tag) {
			return apperr.ReasonSequenceExited, false
		}
	}
	return "", true
}

// ConditionsMet checks tag presence and absence and the minimum prior score against the
// participant's current attributes.
func ConditionsMet(p *model.Participant, seq *model.Sequence, item *model.SequenceItem) bool {
	c := item.Conditions
	for _, tag := range c.RequireTags {
		if !p.HasTag(tag) {
			return false
		}
	}
	for _, tag := range c.ExcludeTags {
		if p.HasTag(tag) {
			return false
		}
	}
	if c.MinPriorScore == nil {
		return true
	}

	priors := item.RequiredPriorItems
	if len(priors) == 0 {
		prev, ok := seq.ItemAt(item.Order - 1)
		if !ok {
			return true
		}
		priors = []uuid.UUID{prev.ID}
	}
	for _, id := range priors {
		score := p.ItemProgress.Get(id).Measurements.Score
		if score == nil || *score < *c.MinPriorScore {
			return false
		}
	}
	return true
}

// MeasurementsMet checks completion measurements against the item's thresholds.
func MeasurementsMet(item *model.SequenceItem, m model.Measurements) bool {
	c := item.Conditions
	if c.MinScore != nil && (m.Score == nil || *m.Score < *c.MinScore) {
		return false
	}
	if c.MinWatchPercent != nil && (m.WatchPercent == nil || *m.WatchPercent < *c.MinWatchPercent) {
		return false
	}
	return true
}

// Refresh unlocks every item that is currently eligible and returns the ids it unlocked.
// It never reports a denial; use it after registration and completion to surface newly
// available items.
func Refresh(p *model.Participant, seq *model.Sequence, now time.Time) []uuid.UUID {
	if _, ok := checkStatus(p, seq); !ok {
		return nil
	}
	if p.Status == model.ParticipantPaused {
		return nil
	}

	var unlocked []uuid.UUID
	for _, item := range seq.Ordered() {
		item := item
		if p.ItemProgress.Get(item.ID).Status != model.ItemLocked {
			continue
		}
		if d := Evaluate(p, seq, &item, now); d.Unlocked {
			unlocked = append(unlocked, item.ID)
		}
	}
	return unlocked
}
