// Package identity links participants to canonical lead records.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

type LeadFinder interface {
	GetByEmail(ctx context.Context, email string) (*model.Lead, error)
}

// LeadResolver looks identities up in the lead table. A missing lead is not an error.
type LeadResolver struct {
	leads LeadFinder
}

func NewLeadResolver(leads LeadFinder) *LeadResolver {
	return &LeadResolver{leads: leads}
}

// Resolve returns the lead id for email, or "" when no lead matches.
func (r *LeadResolver) Resolve(ctx context.Context, email string) (string, error) {
	lead, err := r.leads.GetByEmail(ctx, Normalize(email))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return lead.ID.String(), nil
}

type Nop struct{}

func (Nop) Resolve(ctx context.Context, email string) (string, error) { return "", nil }

// Normalize trims and lower-cases an email identity.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Valid reports whether email looks like a deliverable address.
func Valid(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n") && strings.Contains(email[at+1:], ".")
}
