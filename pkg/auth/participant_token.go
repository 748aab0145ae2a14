package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dripflow/dripflow/pkg/model"
)

var ErrInvalidToken = errors.New("invalid token")

const issuer = "dripflow"

// ParticipantClaims bind a token to one participant of one sequence. The participant id
// is the participantRef accepted by the progression endpoints.
type ParticipantClaims struct {
	jwt.RegisteredClaims
	ParticipantID string `json:"participant_id"`
	SequenceID    string `json:"sequence_id"`
}

func (c *ParticipantClaims) Participant() (uuid.UUID, error) {
	return uuid.Parse(c.ParticipantID)
}

type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

func NewTokenManager(signingKey []byte, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &TokenManager{signingKey: signingKey, ttl: ttl, now: time.Now}
}

func (m *TokenManager) Generate(p *model.Participant) (string, error) {
	now := m.now()
	claims := ParticipantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   p.ID.String(),
			Issuer:    issuer,
		},
		ParticipantID: p.ID.String(),
		SequenceID:    p.SequenceID.String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) Validate(tokenString string) (*ParticipantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ParticipantClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ParticipantClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.Participant(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AdminTokenValid compares an operator bearer token in constant time.
func AdminTokenValid(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
