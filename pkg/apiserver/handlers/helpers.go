package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/store"
)

const timeRFC3339Nano = time.RFC3339Nano

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseOffset(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func formatTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(timeRFC3339Nano)
	return &formatted
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// parseRange reads from/to as RFC 3339; missing bounds are left zero for the engine to
// default.
func parseRange(c *gin.Context) (store.TimeRange, bool) {
	var r store.TimeRange
	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"from", &r.From}, {"to", &r.To}} {
		raw := c.Query(bound.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + bound.name, "details": err.Error()})
			return r, false
		}
		*bound.dst = t.UTC()
	}
	return r, true
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindNotFound:              http.StatusNotFound,
	apperr.KindAccessDenied:          http.StatusForbidden,
	apperr.KindConflict:              http.StatusConflict,
	apperr.KindValidation:            http.StatusUnprocessableEntity,
	apperr.KindDependencyUnavailable: http.StatusServiceUnavailable,
}

// respondError maps the engine's error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		logger.Error("unexpected error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status, ok := statusByKind[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		logger.Error("request failed", zap.Error(err))
	}

	body := gin.H{"error": err.Error(), "kind": appErr.Kind}
	if appErr.Reason != "" {
		body["reason"] = appErr.Reason
	}
	if unlockAt := formatTime(appErr.UnlockAt); unlockAt != nil {
		body["unlock_at"] = *unlockAt
	}
	if appErr.Kind == apperr.KindDependencyUnavailable {
		body["error"] = "dependency unavailable"
	}
	c.JSON(status, body)
}
