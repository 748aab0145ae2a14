package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

const (
	DomainItemUnlocked      = "item_unlocked"
	DomainItemStarted       = "item_started"
	DomainItemCompleted     = "item_completed"
	DomainSequenceCompleted = "sequence_completed"
	DomainStatusChanged     = "participant_status_changed"
	DomainBadgeAwarded      = "badge_awarded"
	DomainRegistered        = "participant_registered"
)

// DomainEvent is an outbox row written in the same transaction as the participant change.
type DomainEvent struct {
	EventID       uuid.UUID `gorm:"type:uuid;primary_key"`
	EventType     string    `gorm:"not null"`
	SequenceID    uuid.UUID `gorm:"type:uuid;not null"`
	ParticipantID uuid.UUID `gorm:"type:uuid;not null;index"`
	Payload       JSONB     `gorm:"type:jsonb;not null"`
	Status        string    `gorm:"not null;default:'pending';index"`
	CreatedAt     time.Time `gorm:"autoCreateTime;not null"`
	PublishedAt   *time.Time
}

func (DomainEvent) TableName() string {
	return "domain_events"
}

func NewDomainEvent(eventType string, p *Participant, payload JSONB) *DomainEvent {
	if payload == nil {
		payload = JSONB{}
	}
	payload["participant_id"] = p.ID.String()
	payload["sequence_id"] = p.SequenceID.String()
	return &DomainEvent{
		EventID:       uuid.New(),
		EventType:     eventType,
		SequenceID:    p.SequenceID,
		ParticipantID: p.ID,
		Payload:       payload,
		Status:        OutboxStatusPending,
	}
}
