package gating

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
)

var registered = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func floatPtr(v float64) *float64 { return &v }

func threeDayChallenge() *model.Sequence {
	seq := &model.Sequence{
		ID:           uuid.New(),
		DeliveryMode: model.DeliveryDripFromRegistration,
		Timezone:     "UTC",
	}
	for i := 0; i < 3; i++ {
		seq.Items = append(seq.Items, model.SequenceItem{
			ID:         uuid.New(),
			Key:        "day",
			Order:      i,
			UnlockRule: model.UnlockRule{Type: model.UnlockDelayFromRegistration, DelayHours: 24 * i},
		})
	}
	return seq
}

func newParticipant() *model.Participant {
	return &model.Participant{
		ID:           uuid.New(),
		Status:       model.ParticipantActive,
		RegisteredAt: registered,
		ItemProgress: model.ItemProgressMap{},
	}
}

func TestEvaluateUnlocksOnFirstAllow(t *testing.T) {
	seq := threeDayChallenge()
	p := newParticipant()

	d := Evaluate(p, seq, &seq.Items[0], registered)
	if !d.Allowed || !d.Unlocked {
		t.Fatalf("expected allow with unlock, got %+v", d)
	}
	progress := p.ItemProgress.Get(seq.Items[0].ID)
	if progress.Status != model.ItemUnlocked || progress.UnlockedAt == nil || !progress.UnlockedAt.Equal(registered) {
		t.Fatalf("unexpected progress %+v", progress)
	}

	again := Evaluate(p, seq, &seq.Items[0], registered.Add(time.Hour))
	if !again.Allowed || again.Unlocked {
		t.Fatalf("re-evaluation must be a no-op, got %+v", again)
	}
	if !p.ItemProgress.Get(seq.Items[0].ID).UnlockedAt.Equal(registered) {
		t.Fatalf("unlockedAt must not move on re-evaluation")
	}
}

func TestEvaluateNotYetUnlockedCarriesUnlockTime(t *testing.T) {
	seq := threeDayChallenge()
	p := newParticipant()

	d := Evaluate(p, seq, &seq.Items[1], registered)
	if d.Allowed || d.Reason != apperr.ReasonNotYetUnlocked {
		t.Fatalf("expected not-yet-unlocked, got %+v", d)
	}
	if d.UnlockAt == nil || !d.UnlockAt.Equal(registered.Add(24*time.Hour)) {
		t.Fatalf("expected unlock time registeredAt+24h, got %v", d.UnlockAt)
	}
	if p.ItemProgress.Get(seq.Items[1].ID).Status != model.ItemLocked {
		t.Fatalf("denied evaluation must not unlock")
	}

	err := d.Err()
	if apperr.ReasonOf(err) != apperr.ReasonNotYetUnlocked {
		t.Fatalf("unexpected error %v", err)
	}

	if d := Evaluate(p, seq, &seq.Items[1], registered.Add(24*time.Hour)); !d.Allowed {
		t.Fatalf("expected allow once the delay elapsed, got %+v", d)
	}
}

func TestEvaluatePrerequisiteIncompleteRegardlessOfTime(t *testing.T) {
	seq := threeDayChallenge()
	seq.Items[2].RequiredPriorItems = []uuid.UUID{seq.Items[0].ID, seq.Items[1].ID}
	p := newParticipant()
	done := registered.Add(time.Hour)
	p.ItemProgress.Set(seq.Items[0].ID, model.ItemProgress{Status: model.ItemCompleted, CompletedAt: &done})
	p.ItemProgress.Set(seq.Items[1].ID, model.ItemProgress{Status: model.ItemInProgress})

	d := Evaluate(p, seq, &seq.Items[2], registered.Add(365*24*time.Hour))
	if d.Allowed || d.Reason != apperr.ReasonPrerequisiteIncomplete {
		t.Fatalf("expected prerequisite-incomplete, got %+v", d)
	}
}

func TestEvaluateStatusRules(t *testing.T) {
	cases := []struct {
		name       string
		status     model.ParticipantStatus
		onPurchase bool
		allowed    bool
	}{
		{"active", model.ParticipantActive, false, true},
		{"completed", model.ParticipantCompleted, false, true},
		{"dropped", model.ParticipantDropped, false, false},
		{"converted without exit", model.ParticipantConverted, false, true},
		{"converted with exit", model.ParticipantConverted, true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq := threeDayChallenge()
			seq.ExitConditions.OnPurchase = tc.onPurchase
			p := newParticipant()
			p.Status = tc.status
			d := Evaluate(p, seq, &seq.Items[0], registered)
			if d.Allowed != tc.allowed {
				t.Fatalf("expected allowed=%v, got %+v", tc.allowed, d)
			}
			if !tc.allowed && d.Reason != apperr.ReasonSequenceExited {
				t.Fatalf("expected sequence-exited, got %s", d.Reason)
			}
		})
	}
}

func TestEvaluateReactivatesPausedParticipant(t *testing.T) {
	seq := threeDayChallenge()
	p := newParticipant()
	p.Status = model.ParticipantPaused

	d := Evaluate(p, seq, &seq.Items[0], registered)
	if !d.Allowed || !d.Reactivated || p.Status != model.ParticipantActive {
		t.Fatalf("expected reactivation, got %+v status=%s", d, p.Status)
	}
}

func TestEvaluateExitTag(t *testing.T) {
	seq := threeDayChallenge()
	seq.ExitConditions.OnTags = []string{"refunded"}
	p := newParticipant()
	p.Tags = pq.StringArray{"refunded"}
	if d := Evaluate(p, seq, &seq.Items[0], registered); d.Reason != apperr.ReasonSequenceExited {
		t.Fatalf("expected sequence-exited, got %+v", d)
	}
}

func TestEvaluateConditions(t *testing.T) {
	seq := threeDayChallenge()
	seq.DeliveryMode = model.DeliveryAllAtOnce
	seq.Items[1].Conditions = model.ItemConditions{
		RequireTags:   []string{"vip"},
		ExcludeTags:   []string{"blocked"},
		MinPriorScore: floatPtr(70),
	}
	p := newParticipant()
	done := registered
	p.ItemProgress.Set(seq.Items[0].ID, model.ItemProgress{
		Status:       model.ItemCompleted,
		CompletedAt:  &done,
		Measurements: model.Measurements{Score: floatPtr(60)},
	})

	if d := Evaluate(p, seq, &seq.Items[1], registered); d.Reason != apperr.ReasonConditionNotMet {
		t.Fatalf("missing tag must fail, got %+v", d)
	}
	p.Tags = pq.StringArray{"vip"}
	if d := Evaluate(p, seq, &seq.Items[1], registered); d.Reason != apperr.ReasonConditionNotMet {
		t.Fatalf("low prior score must fail, got %+v", d)
	}
	p.ItemProgress.Set(seq.Items[0].ID, model.ItemProgress{
		Status:       model.ItemCompleted,
		CompletedAt:  &done,
		Measurements: model.Measurements{Score: floatPtr(80)},
	})
	if d := Evaluate(p, seq, &seq.Items[1], registered); !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	p.Tags = append(p.Tags, "blocked")
	p.ItemProgress.Set(seq.Items[1].ID, model.ItemProgress{Status: model.ItemLocked})
	if d := Evaluate(p, seq, &seq.Items[1], registered); d.Reason != apperr.ReasonConditionNotMet {
		t.Fatalf("excluded tag must fail, got %+v", d)
	}
}

func TestMeasurementsMet(t *testing.T) {
	item := &model.SequenceItem{Conditions: model.ItemConditions{MinScore: floatPtr(50), MinWatchPercent: floatPtr(80)}}
	cases := []struct {
		name string
		m    model.Measurements
		want bool
	}{
		{"missing", model.Measurements{}, false},
		{"low score", model.Measurements{Score: floatPtr(40), WatchPercent: floatPtr(90)}, false},
		{"low watch", model.Measurements{Score: floatPtr(60), WatchPercent: floatPtr(10)}, false},
		{"ok", model.Measurements{Score: floatPtr(50), WatchPercent: floatPtr(80)}, true},
	}
	for _, tc := range cases {
		if got := MeasurementsMet(item, tc.m); got != tc.want {
			t.Fatalf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestRefreshUnlocksEligibleItems(t *testing.T) {
	seq := threeDayChallenge()
	p := newParticipant()

	unlocked := Refresh(p, seq, registered.Add(25*time.Hour))
	if len(unlocked) != 2 || unlocked[0] != seq.Items[0].ID || unlocked[1] != seq.Items[1].ID {
		t.Fatalf("expected days 1 and 2 unlocked, got %v", unlocked)
	}
	if p.ItemProgress.Get(seq.Items[2].ID).Status != model.ItemLocked {
		t.Fatalf("day 3 must stay locked")
	}
	if again := Refresh(p, seq, registered.Add(25*time.Hour)); len(again) != 0 {
		t.Fatalf("refresh must be idempotent, got %v", again)
	}
}
