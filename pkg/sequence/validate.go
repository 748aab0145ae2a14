package sequence

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Validate checks a full definition. Order problems are reported as ValidationFailure here;
// edits of a stored sequence report them as Conflict.
func Validate(seq *model.Sequence) error {
	if seq.Name == "" {
		return apperr.Invalid("sequence name is required")
	}
	if !slugPattern.MatchString(seq.Slug) {
		return apperr.Invalid("slug %q is not url-safe", seq.Slug)
	}
	switch seq.Kind {
	case model.KindFunnel, model.KindChallenge:
	default:
		return apperr.Invalid("unknown sequence kind %q", seq.Kind)
	}
	switch seq.Status {
	case model.SequenceDraft, model.SequencePublished, model.SequencePaused, model.SequenceArchived:
	default:
		return apperr.Invalid("unknown sequence status %q", seq.Status)
	}
	switch seq.DeliveryMode {
	case model.DeliveryAllAtOnce, model.DeliveryDripFromRegistration, model.DeliveryDripFromCompletion, model.DeliveryHybrid:
	default:
		return apperr.Invalid("unknown delivery mode %q", seq.DeliveryMode)
	}
	if _, err := time.LoadLocation(seq.Timezone); err != nil {
		return apperr.Invalid("unknown timezone %q", seq.Timezone)
	}
	if len(seq.Items) == 0 {
		return apperr.Invalid("sequence has no items")
	}
	if err := CheckContiguous(seq.Items); err != nil {
		return apperr.Invalid("%s", err.Error())
	}
	return validateItems(seq.Items)
}

// OrderError describes a break in the 0..N-1 order permutation.
type OrderError struct {
	Msg string
}

func (e *OrderError) Error() string { return e.Msg }

func CheckContiguous(items model.SequenceItems) error {
	seen := make([]bool, len(items))
	for _, item := range items {
		if item.Order < 0 || item.Order >= len(items) {
			return &OrderError{Msg: "item orders must form 0..N-1"}
		}
		if seen[item.Order] {
			return &OrderError{Msg: "duplicate item order"}
		}
		seen[item.Order] = true
	}
	return nil
}

func validateItems(items model.SequenceItems) error {
	orderByID := make(map[uuid.UUID]int, len(items))
	keys := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ID == uuid.Nil {
			return apperr.Invalid("item at order %d missing id", item.Order)
		}
		if _, dup := orderByID[item.ID]; dup {
			return apperr.Invalid("duplicate item id %s", item.ID)
		}
		if item.Key == "" {
			return apperr.Invalid("item %s missing key", item.ID)
		}
		if _, dup := keys[item.Key]; dup {
			return apperr.Invalid("duplicate item key %s", item.Key)
		}
		keys[item.Key] = struct{}{}
		orderByID[item.ID] = item.Order
	}

	for _, item := range items {
		if err := validateRule(item); err != nil {
			return err
		}
		if err := validateConditions(item); err != nil {
			return err
		}
		if err := checkPrerequisites(item, orderByID); err != nil {
			return apperr.Invalid("%s", err.Error())
		}
	}
	return nil
}

func checkPrerequisites(item model.SequenceItem, orderByID map[uuid.UUID]int) error {
	for _, depID := range item.RequiredPriorItems {
		depOrder, ok := orderByID[depID]
		if !ok {
			return &OrderError{Msg: "item " + item.Key + " requires unknown item " + depID.String()}
		}
		if depOrder >= item.Order {
			return &OrderError{Msg: "item " + item.Key + " requires an item that does not precede it"}
		}
	}
	return nil
}

func validateRule(item model.SequenceItem) error {
	rule := item.UnlockRule
	switch rule.Type {
	case model.UnlockImmediate, model.UnlockDelayFromRegistration, model.UnlockDelayFromPrevious:
	case model.UnlockCalendarTimeOfDay:
		if rule.Hour == nil {
			return apperr.Invalid("item %s: calendar rule requires hour", item.Key)
		}
	default:
		return apperr.Invalid("item %s: unknown unlock rule %q", item.Key, rule.Type)
	}
	if rule.DelayHours < 0 {
		return apperr.Invalid("item %s: negative delay", item.Key)
	}
	if rule.Hour != nil && (*rule.Hour < 0 || *rule.Hour > 23) {
		return apperr.Invalid("item %s: hour out of range", item.Key)
	}
	if rule.Minute < 0 || rule.Minute > 59 {
		return apperr.Invalid("item %s: minute out of range", item.Key)
	}
	return nil
}

func validateConditions(item model.SequenceItem) error {
	c := item.Conditions
	for _, pct := range []*float64{c.MinWatchPercent} {
		if pct != nil && (*pct < 0 || *pct > 100) {
			return apperr.Invalid("item %s: watch percent out of range", item.Key)
		}
	}
	if c.MinScore != nil && *c.MinScore < 0 {
		return apperr.Invalid("item %s: negative minimum score", item.Key)
	}
	if c.MinPriorScore != nil && *c.MinPriorScore < 0 {
		return apperr.Invalid("item %s: negative minimum prior score", item.Key)
	}
	return nil
}
