package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/sequence"
)

type SequenceCatalog interface {
	Create(ctx context.Context, def sequence.Definition) (*model.Sequence, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Sequence, error)
	GetBySlug(ctx context.Context, slug string) (*model.Sequence, error)
	UpdateItems(ctx context.Context, id uuid.UUID, expectedVersion int, items model.SequenceItems) (*model.Sequence, error)
	Reindex(ctx context.Context, id uuid.UUID, expectedVersion int, orderedIDs []uuid.UUID) (*model.Sequence, error)
	SetStatus(ctx context.Context, id uuid.UUID, expectedVersion int, status model.SequenceStatus) (*model.Sequence, error)
	UpdateSettings(ctx context.Context, id uuid.UUID, expectedVersion int, mode model.DeliveryMode, timezone string, exit model.ExitConditions) (*model.Sequence, error)
}

type SequenceHandler struct {
	catalog SequenceCatalog
	logger  *zap.Logger
}

func NewSequenceHandler(catalog SequenceCatalog, logger *zap.Logger) *SequenceHandler {
	return &SequenceHandler{catalog: catalog, logger: logger}
}

type sequenceResponse struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Slug           string               `json:"slug"`
	Kind           model.SequenceKind   `json:"kind"`
	Status         model.SequenceStatus `json:"status"`
	DeliveryMode   model.DeliveryMode   `json:"delivery_mode"`
	Timezone       string               `json:"timezone"`
	Items          model.SequenceItems  `json:"items"`
	ExitConditions model.ExitConditions `json:"exit_conditions"`
	Version        int                  `json:"version"`
	CreatedAt      string               `json:"created_at"`
	UpdatedAt      string               `json:"updated_at"`
}

func toSequenceResponse(seq *model.Sequence) sequenceResponse {
	return sequenceResponse{
		ID:             seq.ID.String(),
		Name:           seq.Name,
		Slug:           seq.Slug,
		Kind:           seq.Kind,
		Status:         seq.Status,
		DeliveryMode:   seq.DeliveryMode,
		Timezone:       seq.Timezone,
		Items:          seq.Ordered(),
		ExitConditions: seq.ExitConditions,
		Version:        seq.Version,
		CreatedAt:      seq.CreatedAt.UTC().Format(timeRFC3339Nano),
		UpdatedAt:      seq.UpdatedAt.UTC().Format(timeRFC3339Nano),
	}
}

type versionedRequest struct {
	Version int `json:"version" binding:"required"`
}

type itemsRequest struct {
	versionedRequest
	Items model.SequenceItems `json:"items" binding:"required"`
}

type reindexRequest struct {
	versionedRequest
	ItemIDs []uuid.UUID `json:"item_ids" binding:"required"`
}

type statusRequest struct {
	versionedRequest
	Status model.SequenceStatus `json:"status" binding:"required"`
}

type settingsRequest struct {
	versionedRequest
	DeliveryMode   model.DeliveryMode   `json:"delivery_mode" binding:"required"`
	Timezone       string               `json:"timezone"`
	ExitConditions model.ExitConditions `json:"exit_conditions"`
}

func (h *SequenceHandler) Create(c *gin.Context) {
	var def sequence.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	seq, err := h.catalog.Create(c.Request.Context(), def)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, toSequenceResponse(seq))
}

// Get accepts either the sequence id or its slug.
func (h *SequenceHandler) Get(c *gin.Context) {
	ref := c.Param("id")
	var (
		seq *model.Sequence
		err error
	)
	if id, parseErr := uuid.Parse(ref); parseErr == nil {
		seq, err = h.catalog.Get(c.Request.Context(), id)
	} else {
		seq, err = h.catalog.GetBySlug(c.Request.Context(), ref)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toSequenceResponse(seq))
}

func (h *SequenceHandler) UpdateItems(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req itemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	h.respond(c)(h.catalog.UpdateItems(c.Request.Context(), id, req.Version, req.Items))
}

func (h *SequenceHandler) Reindex(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	h.respond(c)(h.catalog.Reindex(c.Request.Context(), id, req.Version, req.ItemIDs))
}

func (h *SequenceHandler) SetStatus(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	h.respond(c)(h.catalog.SetStatus(c.Request.Context(), id, req.Version, req.Status))
}

func (h *SequenceHandler) UpdateSettings(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	h.respond(c)(h.catalog.UpdateSettings(c.Request.Context(), id, req.Version, req.DeliveryMode, req.Timezone, req.ExitConditions))
}

func (h *SequenceHandler) respond(c *gin.Context) func(*model.Sequence, error) {
	return func(seq *model.Sequence, err error) {
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, toSequenceResponse(seq))
	}
}
