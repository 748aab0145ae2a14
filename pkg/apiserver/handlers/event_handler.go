package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apiserver/middleware"
	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
)

type EventRecorder interface {
	RecordEvent(ctx context.Context, event *model.Event) error
}

type EventHandler struct {
	recorder EventRecorder
	logger   *zap.Logger
}

func NewEventHandler(recorder EventRecorder, logger *zap.Logger) *EventHandler {
	return &EventHandler{recorder: recorder, logger: logger}
}

// browserEvents are the types a page may report. Purchases and offer decisions carry
// money and arrive through Ingest; start, complete and registration are engine-owned.
var browserEvents = map[model.EventType]bool{
	model.EventView:          true,
	model.EventLogin:         true,
	model.EventVideoProgress: true,
	model.EventTagAdded:      true,
	model.EventTagRemoved:    true,
	model.EventUnsubscribe:   true,
}

type eventRequest struct {
	SequenceID    string                 `json:"sequence_id" binding:"required"`
	ParticipantID string                 `json:"participant_id"`
	Type          string                 `json:"type" binding:"required"`
	ItemOrder     *int                   `json:"item_order"`
	SessionID     string                 `json:"session_id"`
	Metadata      map[string]interface{} `json:"metadata"`
	Source        model.Source           `json:"source"`
	Value         *float64               `json:"value"`
	Currency      string                 `json:"currency"`
	Timestamp     *time.Time             `json:"timestamp"`
}

// Track ingests an event from the browser. The participant, if any, comes from the bearer
// token; a participant_id in the body is ignored. Only browser event types are accepted.
func (h *EventHandler) Track(c *gin.Context) {
	event, ok := h.bind(c)
	if !ok {
		return
	}
	if !browserEvents[event.Type] {
		respondError(c, h.logger, apperr.Invalid("event type %q is not accepted from clients", event.Type))
		return
	}
	event.ParticipantID = nil
	if participantID, ok := middleware.ParticipantID(c); ok {
		event.ParticipantID = &participantID
	}
	h.record(c, event)
}

// Ingest is the server-to-server variant used by payment and email webhooks; it trusts the
// participant_id in the body.
func (h *EventHandler) Ingest(c *gin.Context) {
	event, ok := h.bind(c)
	if !ok {
		return
	}
	h.record(c, event)
}

func (h *EventHandler) bind(c *gin.Context) (*model.Event, bool) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return nil, false
	}
	sequenceID, err := uuid.Parse(req.SequenceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence_id"})
		return nil, false
	}

	event := &model.Event{
		SequenceID: sequenceID,
		SessionID:  req.SessionID,
		Type:       model.EventType(strings.ToLower(strings.TrimSpace(req.Type))),
		ItemOrder:  req.ItemOrder,
		Metadata:   model.JSONB(req.Metadata),
		Source:     req.Source,
		Value:      req.Value,
		Currency:   req.Currency,
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}
	if req.ParticipantID != "" {
		participantID, err := uuid.Parse(req.ParticipantID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant_id"})
			return nil, false
		}
		event.ParticipantID = &participantID
	}
	return event, true
}

func (h *EventHandler) record(c *gin.Context, event *model.Event) {
	if err := h.recorder.RecordEvent(c.Request.Context(), event); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":         event.ID.String(),
		"type":       event.Type,
		"session_id": event.SessionID,
		"timestamp":  event.Timestamp.UTC().Format(timeRFC3339Nano),
	})
}
