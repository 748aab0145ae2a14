package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apiserver/middleware"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/progression"
)

type ProgressionEngine interface {
	Register(ctx context.Context, req progression.RegisterRequest) (*model.Participant, bool, error)
	CheckAccess(ctx context.Context, participantID, itemID uuid.UUID) (progression.AccessResult, error)
	Start(ctx context.Context, participantID, itemID uuid.UUID) (*model.Participant, error)
	Complete(ctx context.Context, participantID, itemID uuid.UUID, measurements model.Measurements) (*model.Participant, error)
	GetProgress(ctx context.Context, participantID uuid.UUID) (*progression.ProgressSnapshot, error)
	GetLeaderboard(ctx context.Context, sequenceID uuid.UUID, limit int) ([]progression.LeaderboardEntry, error)
	Pause(ctx context.Context, participantID uuid.UUID) (*model.Participant, error)
	Drop(ctx context.Context, participantID uuid.UUID) (*model.Participant, error)
}

type TokenIssuer interface {
	Generate(p *model.Participant) (string, error)
}

type ParticipantLister interface {
	List(ctx context.Context, sequenceID uuid.UUID, status *model.ParticipantStatus, limit, offset int) ([]model.Participant, int64, error)
}

type ParticipantHandler struct {
	engine ProgressionEngine
	tokens TokenIssuer
	lister ParticipantLister
	logger *zap.Logger
}

func NewParticipantHandler(engine ProgressionEngine, tokens TokenIssuer, lister ParticipantLister, logger *zap.Logger) *ParticipantHandler {
	return &ParticipantHandler{engine: engine, tokens: tokens, lister: lister, logger: logger}
}

type registerRequest struct {
	Email          string                 `json:"email" binding:"required"`
	ExternalUserID string                 `json:"external_user_id"`
	Source         model.Source           `json:"source"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type completeRequest struct {
	WatchPercent     *float64 `json:"watch_percent"`
	Score            *float64 `json:"score"`
	TimeSpentMinutes *float64 `json:"time_spent_minutes"`
}

type participantResponse struct {
	ID               string                  `json:"id"`
	SequenceID       string                  `json:"sequence_id"`
	Status           model.ParticipantStatus `json:"status"`
	RegisteredAt     string                  `json:"registered_at"`
	CurrentItemOrder int                     `json:"current_item_order"`
	CompletedCount   int                     `json:"completed_count"`
	Points           int                     `json:"points"`
	Badges           []string                `json:"badges"`
	Tags             []string                `json:"tags"`
	StreakDays       int                     `json:"streak_days"`
	LastActiveAt     *string                 `json:"last_active_at,omitempty"`
	ItemProgress     model.ItemProgressMap   `json:"item_progress"`
}

type registerResponse struct {
	Participant participantResponse `json:"participant"`
	Token       string              `json:"token"`
	Created     bool                `json:"created"`
}

func toParticipantResponse(p *model.Participant) participantResponse {
	return participantResponse{
		ID:               p.ID.String(),
		SequenceID:       p.SequenceID.String(),
		Status:           p.Status,
		RegisteredAt:     p.RegisteredAt.UTC().Format(timeRFC3339Nano),
		CurrentItemOrder: p.CurrentItemOrder,
		CompletedCount:   p.CompletedCount,
		Points:           p.Points,
		Badges:           append([]string{}, p.Badges...),
		Tags:             append([]string{}, p.Tags...),
		StreakDays:       p.Engagement.StreakDays,
		LastActiveAt:     formatTime(p.Engagement.LastActiveAt),
		ItemProgress:     p.ItemProgress,
	}
}

func (h *ParticipantHandler) Register(c *gin.Context) {
	sequenceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	p, created, err := h.engine.Register(c.Request.Context(), progression.RegisterRequest{
		SequenceID:     sequenceID,
		Email:          req.Email,
		ExternalUserID: req.ExternalUserID,
		Source:         req.Source,
		Metadata:       model.JSONB(req.Metadata),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	token, err := h.tokens.Generate(p)
	if err != nil {
		h.logger.Error("failed to issue participant token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, registerResponse{Participant: toParticipantResponse(p), Token: token, Created: created})
}

func (h *ParticipantHandler) Progress(c *gin.Context) {
	participantID, _ := middleware.ParticipantID(c)
	snapshot, err := h.engine.GetProgress(c.Request.Context(), participantID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *ParticipantHandler) Access(c *gin.Context) {
	participantID, _ := middleware.ParticipantID(c)
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}
	result, err := h.engine.CheckAccess(c.Request.Context(), participantID, itemID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ParticipantHandler) Start(c *gin.Context) {
	participantID, _ := middleware.ParticipantID(c)
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}
	p, err := h.engine.Start(c.Request.Context(), participantID, itemID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toParticipantResponse(p))
}

func (h *ParticipantHandler) Complete(c *gin.Context) {
	participantID, _ := middleware.ParticipantID(c)
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}
	var req completeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}
	}

	p, err := h.engine.Complete(c.Request.Context(), participantID, itemID, model.Measurements{
		WatchPercent:     req.WatchPercent,
		Score:            req.Score,
		TimeSpentMinutes: req.TimeSpentMinutes,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toParticipantResponse(p))
}

func (h *ParticipantHandler) Leaderboard(c *gin.Context) {
	sequenceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	entries, err := h.engine.GetLeaderboard(c.Request.Context(), sequenceID, parseLimit(c.Query("limit"), 10))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *ParticipantHandler) List(c *gin.Context) {
	sequenceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var status *model.ParticipantStatus
	if raw := c.Query("status"); raw != "" {
		s := model.ParticipantStatus(raw)
		status = &s
	}
	limit := parseLimit(c.Query("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	offset := parseOffset(c.Query("offset"))

	participants, total, err := h.lister.List(c.Request.Context(), sequenceID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list participants", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list participants"})
		return
	}
	items := make([]participantResponse, 0, len(participants))
	for i := range participants {
		items = append(items, toParticipantResponse(&participants[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "limit": limit, "offset": offset})
}

func (h *ParticipantHandler) Pause(c *gin.Context) {
	h.transition(c, h.engine.Pause)
}

func (h *ParticipantHandler) Drop(c *gin.Context) {
	h.transition(c, h.engine.Drop)
}

func (h *ParticipantHandler) transition(c *gin.Context, fn func(context.Context, uuid.UUID) (*model.Participant, error)) {
	participantID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	p, err := fn(c.Request.Context(), participantID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toParticipantResponse(p))
}
