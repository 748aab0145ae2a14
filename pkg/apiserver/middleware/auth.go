package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/auth"
	"github.com/dripflow/dripflow/pkg/config"
)

const participantKey = "participant_id"

// Auth guards operator endpoints with the configured admin bearer token.
func Auth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		if !auth.AdminTokenValid(cfg.AdminToken, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// ParticipantAuth requires a participant token and exposes its participant id.
func ParticipantAuth(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			return
		}
		if !setParticipant(c, tokens, token) {
			return
		}
		c.Next()
	}
}

// OptionalParticipant accepts anonymous requests but rejects a bad token.
func OptionalParticipant(tokens *auth.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.Next()
			return
		}
		token, ok := bearerToken(c)
		if !ok || !setParticipant(c, tokens, token) {
			return
		}
		c.Next()
	}
}

func ParticipantID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(participantKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func setParticipant(c *gin.Context, tokens *auth.TokenManager, token string) bool {
	claims, err := tokens.Validate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}
	id, err := claims.Participant()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}
	c.Set(participantKey, id)
	return true
}

func bearerToken(c *gin.Context) (string, bool) {
	authorization := c.GetHeader("Authorization")
	if authorization == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return "", false
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization"})
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
		return "", false
	}
	return token, true
}
