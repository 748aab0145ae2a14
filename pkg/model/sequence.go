package model

import (
	"database/sql/driver"
	"encoding/json"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SequenceStatus string

const (
	SequenceDraft     SequenceStatus = "draft"
	SequencePublished SequenceStatus = "published"
	SequencePaused    SequenceStatus = "paused"
	SequenceArchived  SequenceStatus = "archived"
)

type SequenceKind string

const (
	KindFunnel    SequenceKind = "funnel"
	KindChallenge SequenceKind = "challenge"
)

type DeliveryMode string

const (
	DeliveryAllAtOnce            DeliveryMode = "ALL_AT_ONCE"
	DeliveryDripFromRegistration DeliveryMode = "DRIP_FROM_REGISTRATION"
	DeliveryDripFromCompletion   DeliveryMode = "DRIP_FROM_COMPLETION"
	DeliveryHybrid               DeliveryMode = "HYBRID"
)

type UnlockRuleType string

const (
	UnlockImmediate             UnlockRuleType = "immediate"
	UnlockDelayFromRegistration UnlockRuleType = "delay_from_registration"
	UnlockDelayFromPrevious     UnlockRuleType = "delay_from_previous_completion"
	UnlockCalendarTimeOfDay     UnlockRuleType = "calendar_time_of_day"
)

// UnlockRule describes when an item becomes eligible. Hour/Minute pin the unlock to a
// wall-clock time in the sequence timezone.
type UnlockRule struct {
	Type       UnlockRuleType `json:"type"`
	DelayHours int            `json:"delay_hours,omitempty"`
	Hour       *int           `json:"hour,omitempty"`
	Minute     int            `json:"minute,omitempty"`
}

func (r UnlockRule) Delay() time.Duration {
	return time.Duration(r.DelayHours) * time.Hour
}

func (r UnlockRule) HasTimeOfDay() bool {
	return r.Hour != nil
}

type ItemConditions struct {
	RequireTags     []string `json:"require_tags,omitempty"`
	ExcludeTags     []string `json:"exclude_tags,omitempty"`
	MinPriorScore   *float64 `json:"min_prior_score,omitempty"`
	MinScore        *float64 `json:"min_score,omitempty"`
	MinWatchPercent *float64 `json:"min_watch_percent,omitempty"`
}

type SequenceItem struct {
	ID                 uuid.UUID      `json:"id"`
	Key                string         `json:"key"`
	Title              string         `json:"title"`
	Order              int            `json:"order"`
	UnlockRule         UnlockRule     `json:"unlock_rule"`
	RequiredPriorItems []uuid.UUID    `json:"required_prior_items,omitempty"`
	Conditions         ItemConditions `json:"conditions"`
	NotifyTemplate     string         `json:"notify_template,omitempty"`
}

type SequenceItems []SequenceItem

func (s SequenceItems) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

func (s *SequenceItems) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	return scanJSON(value, s)
}

type ExitConditions struct {
	OnPurchase    bool     `json:"on_purchase"`
	OnUnsubscribe bool     `json:"on_unsubscribe"`
	OnTags        []string `json:"on_tags,omitempty"`
}

func (e ExitConditions) Value() (driver.Value, error) {
	return json.Marshal(e)
}

func (e *ExitConditions) Scan(value interface{}) error {
	if value == nil {
		*e = ExitConditions{}
		return nil
	}
	return scanJSON(value, e)
}

func (e ExitConditions) HasTag(tag string) bool {
	for _, t := range e.OnTags {
		if t == tag {
			return true
		}
	}
	return false
}

type Sequence struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key"`
	Name           string         `gorm:"not null"`
	Slug           string         `gorm:"uniqueIndex;not null"`
	Kind           SequenceKind   `gorm:"type:varchar(20);default:'funnel'"`
	Status         SequenceStatus `gorm:"type:varchar(20);default:'draft';index"`
	DeliveryMode   DeliveryMode   `gorm:"type:varchar(40);not null"`
	Timezone       string         `gorm:"default:'UTC'"`
	Items          SequenceItems  `gorm:"type:jsonb;not null"`
	ExitConditions ExitConditions `gorm:"type:jsonb"`
	Version        int            `gorm:"not null;default:1"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (s *Sequence) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (s *Sequence) Item(id uuid.UUID) (*SequenceItem, bool) {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i], true
		}
	}
	return nil, false
}

func (s *Sequence) ItemAt(order int) (*SequenceItem, bool) {
	for i := range s.Items {
		if s.Items[i].Order == order {
			return &s.Items[i], true
		}
	}
	return nil, false
}

// Ordered returns the items sorted by order without touching the stored slice.
func (s *Sequence) Ordered() []SequenceItem {
	items := make([]SequenceItem, len(s.Items))
	copy(items, s.Items)
	sort.Slice(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items
}

func (s *Sequence) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
