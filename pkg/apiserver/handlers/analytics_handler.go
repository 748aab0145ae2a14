package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/store"
)

type AnalyticsReader interface {
	GetAnalytics(ctx context.Context, sequenceID uuid.UUID, r store.TimeRange) (attribution.Snapshot, error)
	GetStepConversionRates(ctx context.Context, sequenceID uuid.UUID, r store.TimeRange) ([]attribution.StepRate, error)
	GetRevenueBySource(ctx context.Context, r store.TimeRange) ([]attribution.SourceRevenue, error)
}

type AnalyticsHandler struct {
	reader AnalyticsReader
	logger *zap.Logger
}

func NewAnalyticsHandler(reader AnalyticsReader, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{reader: reader, logger: logger}
}

func (h *AnalyticsHandler) Funnel(c *gin.Context) {
	sequenceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	r, ok := parseRange(c)
	if !ok {
		return
	}
	snapshot, err := h.reader.GetAnalytics(c.Request.Context(), sequenceID, r)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *AnalyticsHandler) Steps(c *gin.Context) {
	sequenceID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	r, ok := parseRange(c)
	if !ok {
		return
	}
	steps, err := h.reader.GetStepConversionRates(c.Request.Context(), sequenceID, r)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": steps})
}

func (h *AnalyticsHandler) Revenue(c *gin.Context) {
	r, ok := parseRange(c)
	if !ok {
		return
	}
	revenue, err := h.reader.GetRevenueBySource(c.Request.Context(), r)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": revenue})
}
