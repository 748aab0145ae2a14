package progression

import (
	"context"

	"github.com/dripflow/dripflow/pkg/model"
)

type sessionKey struct{}

// WithSession attaches the caller's analytics session id to ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFrom returns the session id carried by ctx, or fallback.
func SessionFrom(ctx context.Context, fallback string) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		return id
	}
	return fallback
}

func sessionFor(ctx context.Context, p *model.Participant) string {
	return SessionFrom(ctx, p.ID.String())
}
