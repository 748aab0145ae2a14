package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EventType string

const (
	EventView            EventType = "view"
	EventStart           EventType = "start"
	EventComplete        EventType = "complete"
	EventRegistration    EventType = "registration"
	EventPurchase        EventType = "purchase"
	EventUnsubscribe     EventType = "unsubscribe"
	EventUpsellAccept    EventType = "upsell_accept"
	EventUpsellDecline   EventType = "upsell_decline"
	EventDownsellAccept  EventType = "downsell_accept"
	EventDownsellDecline EventType = "downsell_decline"
	EventTagAdded        EventType = "tag_added"
	EventTagRemoved      EventType = "tag_removed"
	EventLogin           EventType = "login"
	EventVideoProgress   EventType = "video_progress"
)

// Source carries utm-style acquisition fields.
type Source struct {
	UTMSource   string `gorm:"column:utm_source;index" json:"utm_source,omitempty"`
	UTMMedium   string `gorm:"column:utm_medium" json:"utm_medium,omitempty"`
	UTMCampaign string `gorm:"column:utm_campaign" json:"utm_campaign,omitempty"`
	UTMTerm     string `gorm:"column:utm_term" json:"utm_term,omitempty"`
	UTMContent  string `gorm:"column:utm_content" json:"utm_content,omitempty"`
	Referrer    string `gorm:"column:referrer" json:"referrer,omitempty"`
}

func (s Source) IsEmpty() bool {
	return s.UTMSource == "" && s.UTMCampaign == "" && s.UTMMedium == ""
}

type Event struct {
	ID            uuid.UUID  `gorm:"type:uuid;primary_key"`
	SequenceID    uuid.UUID  `gorm:"type:uuid;not null;index:idx_events_sequence_time,priority:1"`
	ParticipantID *uuid.UUID `gorm:"type:uuid;index"`
	SessionID     string     `gorm:"not null;index"`
	Type          EventType  `gorm:"type:varchar(40);not null;index"`
	ItemOrder     *int
	Metadata      JSONB  `gorm:"type:jsonb"`
	Source        Source `gorm:"embedded"`
	Value         *float64
	Currency      string    `gorm:"type:varchar(3)"`
	IsConversion  bool      `gorm:"default:false;index"`
	Timestamp     time.Time `gorm:"not null;index:idx_events_sequence_time,priority:2"`
	ExpiresAt     time.Time `gorm:"not null;index"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Event) TableName() string {
	return "events"
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// PointAward is unique per (participant, item, event type); the unique index is what makes
// awarding idempotent under duplicate requests.
type PointAward struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key"`
	ParticipantID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_point_award_tuple"`
	ItemKey       string    `gorm:"not null;uniqueIndex:idx_point_award_tuple"`
	EventType     EventType `gorm:"type:varchar(40);not null;uniqueIndex:idx_point_award_tuple"`
	Points        int       `gorm:"not null"`
	AwardedAt     time.Time `gorm:"not null"`
}

func (a *PointAward) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Lead is the CRM record a participant may be linked to.
type Lead struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key"`
	Email      string    `gorm:"uniqueIndex;not null"`
	Name       string
	ExternalID string `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
