package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantCompleted ParticipantStatus = "completed"
	ParticipantConverted ParticipantStatus = "converted"
	ParticipantDropped   ParticipantStatus = "dropped"
	ParticipantPaused    ParticipantStatus = "paused"
)

type ItemStatus string

const (
	ItemLocked     ItemStatus = "locked"
	ItemUnlocked   ItemStatus = "unlocked"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
)

var itemStatusRank = map[ItemStatus]int{
	ItemLocked:     0,
	ItemUnlocked:   1,
	ItemInProgress: 2,
	ItemCompleted:  3,
}

// CanAdvance reports whether moving from s to next is a forward transition.
func (s ItemStatus) CanAdvance(next ItemStatus) bool {
	return itemStatusRank[next] > itemStatusRank[s]
}

type Measurements struct {
	WatchPercent     *float64 `json:"watch_percent,omitempty"`
	Score            *float64 `json:"score,omitempty"`
	TimeSpentMinutes *float64 `json:"time_spent_minutes,omitempty"`
}

type ItemProgress struct {
	Status       ItemStatus   `json:"status"`
	UnlockedAt   *time.Time   `json:"unlocked_at,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	Measurements Measurements `json:"measurements"`
}

// ItemProgressMap is keyed by item id.
type ItemProgressMap map[string]ItemProgress

func (m ItemProgressMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return json.Marshal(m)
}

func (m *ItemProgressMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSON(value, m)
}

func (m ItemProgressMap) Get(itemID uuid.UUID) ItemProgress {
	progress, ok := m[itemID.String()]
	if !ok || progress.Status == "" {
		progress.Status = ItemLocked
	}
	return progress
}

func (m ItemProgressMap) Set(itemID uuid.UUID, progress ItemProgress) {
	m[itemID.String()] = progress
}

type Engagement struct {
	StreakDays            int `gorm:"default:0"`
	LongestStreak         int `gorm:"default:0"`
	StreakUpdatedAt       *time.Time
	TotalTimeSpentMinutes float64 `gorm:"default:0"`
	LoginCount            int     `gorm:"default:0"`
	LastActiveAt          *time.Time
}

type Touch struct {
	Source   string
	Medium   string
	Campaign string
	At       *time.Time
}

func (t Touch) IsSet() bool {
	return t.At != nil
}

type Attribution struct {
	FirstTouch Touch `gorm:"embedded;embeddedPrefix:first_touch_"`
	LastTouch  Touch `gorm:"embedded;embeddedPrefix:last_touch_"`
}

type Participant struct {
	ID               uuid.UUID       `gorm:"type:uuid;primary_key"`
	SequenceID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_participant_identity;index:idx_participant_leaderboard,priority:1"`
	Email            string          `gorm:"not null;uniqueIndex:idx_participant_identity"`
	ExternalUserID   string          `gorm:"index"`
	LeadID           string          `gorm:"index"`
	RegisteredAt     time.Time       `gorm:"not null"`
	CurrentItemOrder int             `gorm:"default:0"`
	ItemProgress     ItemProgressMap `gorm:"type:jsonb"`
	CompletedCount   int             `gorm:"default:0"`
	LastCompletedAt  *time.Time
	Engagement       Engagement        `gorm:"embedded"`
	Points           int               `gorm:"default:0;index:idx_participant_leaderboard,priority:2"`
	Badges           pq.StringArray    `gorm:"type:text[]"`
	Tags             pq.StringArray    `gorm:"type:text[]"`
	Status           ParticipantStatus `gorm:"type:varchar(20);default:'active';index"`
	Attribution      Attribution       `gorm:"embedded"`
	Version          int               `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p *Participant) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (p *Participant) HasBadge(code string) bool {
	for _, b := range p.Badges {
		if b == code {
			return true
		}
	}
	return false
}

// Clone returns a copy that can be mutated without affecting p.
func (p *Participant) Clone() *Participant {
	clone := *p
	clone.ItemProgress = make(ItemProgressMap, len(p.ItemProgress))
	for id, progress := range p.ItemProgress {
		clone.ItemProgress[id] = progress
	}
	clone.Badges = append(pq.StringArray(nil), p.Badges...)
	clone.Tags = append(pq.StringArray(nil), p.Tags...)
	return &clone
}
