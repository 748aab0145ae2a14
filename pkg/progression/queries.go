package progression

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/attribution"
	"github.com/dripflow/dripflow/pkg/gating"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/schedule"
	"github.com/dripflow/dripflow/pkg/store"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
	defaultAnalyticsWindow  = 30 * 24 * time.Hour
)

type ItemSnapshot struct {
	ItemID       uuid.UUID          `json:"item_id"`
	Key          string             `json:"key"`
	Title        string             `json:"title"`
	Order        int                `json:"order"`
	Status       model.ItemStatus   `json:"status"`
	Available    bool               `json:"available"`
	Reason       apperr.Reason      `json:"reason,omitempty"`
	UnlockAt     *time.Time         `json:"unlock_at,omitempty"`
	UnlockedAt   *time.Time         `json:"unlocked_at,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Measurements model.Measurements `json:"measurements"`
}

type ProgressSnapshot struct {
	ParticipantID    uuid.UUID               `json:"participant_id"`
	SequenceID       uuid.UUID               `json:"sequence_id"`
	Status           model.ParticipantStatus `json:"status"`
	RegisteredAt     time.Time               `json:"registered_at"`
	CurrentItemOrder int                     `json:"current_item_order"`
	CompletedCount   int                     `json:"completed_count"`
	TotalItems       int                     `json:"total_items"`
	PercentComplete  float64                 `json:"percent_complete"`
	Points           int                     `json:"points"`
	Badges           []string                `json:"badges"`
	StreakDays       int                     `json:"streak_days"`
	LongestStreak    int                     `json:"longest_streak"`
	LastActiveAt     *time.Time              `json:"last_active_at,omitempty"`
	NextUnlockAt     *time.Time              `json:"next_unlock_at,omitempty"`
	FirstTouch       model.Touch             `json:"first_touch"`
	LastTouch        model.Touch             `json:"last_touch"`
	Items            []ItemSnapshot          `json:"items"`
}

type LeaderboardEntry struct {
	Rank           int       `json:"rank"`
	ParticipantID  uuid.UUID `json:"participant_id"`
	Identity       string    `json:"identity"`
	Points         int       `json:"points"`
	CompletedCount int       `json:"completed_count"`
}

// GetProgress reports the participant's state with item availability evaluated as of now.
// Nothing is persisted; the lazy unlocks shown here are written by the next access check.
func (e *Engine) GetProgress(ctx context.Context, participantID uuid.UUID) (*ProgressSnapshot, error) {
	ctx, span := e.startSpan(ctx, "GetProgress", attribute.String("participant_id", participantID.String()))
	defer span.End()

	p, err := e.participants.GetByID(ctx, participantID)
	if err != nil {
		return nil, store.Wrap("participant "+participantID.String(), err)
	}
	seq, err := e.sequences.Get(ctx, p.SequenceID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	view := p.Clone()
	if view.ItemProgress == nil {
		view.ItemProgress = model.ItemProgressMap{}
	}

	snapshot := &ProgressSnapshot{
		ParticipantID:    p.ID,
		SequenceID:       p.SequenceID,
		Status:           p.Status,
		RegisteredAt:     p.RegisteredAt,
		CurrentItemOrder: p.CurrentItemOrder,
		CompletedCount:   p.CompletedCount,
		TotalItems:       len(seq.Items),
		Points:           p.Points,
		Badges:           append([]string{}, p.Badges...),
		StreakDays:       p.Engagement.StreakDays,
		LongestStreak:    p.Engagement.LongestStreak,
		LastActiveAt:     p.Engagement.LastActiveAt,
		FirstTouch:       p.Attribution.FirstTouch,
		LastTouch:        p.Attribution.LastTouch,
	}
	if len(seq.Items) > 0 {
		snapshot.PercentComplete = float64(p.CompletedCount) * 100 / float64(len(seq.Items))
	}
	if next, ok := schedule.NextUnlock(p, seq, now); ok {
		snapshot.NextUnlockAt = &next
	}

	for _, item := range seq.Ordered() {
		item := item
		d := gating.Evaluate(view, seq, &item, now)
		progress := view.ItemProgress.Get(item.ID)
		snapshot.Items = append(snapshot.Items, ItemSnapshot{
			ItemID:       item.ID,
			Key:          item.Key,
			Title:        item.Title,
			Order:        item.Order,
			Status:       progress.Status,
			Available:    d.Allowed,
			Reason:       d.Reason,
			UnlockAt:     d.UnlockAt,
			UnlockedAt:   progress.UnlockedAt,
			StartedAt:    progress.StartedAt,
			CompletedAt:  progress.CompletedAt,
			Measurements: progress.Measurements,
		})
	}
	return snapshot, nil
}

// GetLeaderboard ranks the sequence's participants by points, then completed items, then
// the earliest last completion. Dropped participants are excluded.
func (e *Engine) GetLeaderboard(ctx context.Context, sequenceID uuid.UUID, limit int) ([]LeaderboardEntry, error) {
	ctx, span := e.startSpan(ctx, "GetLeaderboard", attribute.String("sequence_id", sequenceID.String()))
	defer span.End()

	if _, err := e.sequences.Get(ctx, sequenceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	participants, err := e.participants.Leaderboard(ctx, sequenceID, limit)
	if err != nil {
		return nil, store.Wrap("leaderboard", err)
	}
	entries := make([]LeaderboardEntry, 0, len(participants))
	for i, p := range participants {
		entries = append(entries, LeaderboardEntry{
			Rank:           i + 1,
			ParticipantID:  p.ID,
			Identity:       MaskEmail(p.Email),
			Points:         p.Points,
			CompletedCount: p.CompletedCount,
		})
	}
	return entries, nil
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// GetAnalytics returns the funnel snapshot for the range. Query failures produce a partial
// snapshot instead of an error; only an unknown sequence or an invalid range fail.
func (e *Engine) GetAnalytics(ctx context.Context, sequenceID uuid.UUID, r store.TimeRange) (attribution.Snapshot, error) {
	ctx, span := e.startSpan(ctx, "GetAnalytics", attribute.String("sequence_id", sequenceID.String()))
	defer span.End()

	r, err := e.normalizeRange(r)
	if err != nil {
		return attribution.Snapshot{}, err
	}
	if _, err := e.sequences.Get(ctx, sequenceID); err != nil {
		return attribution.Snapshot{}, err
	}
	return e.aggregator.FunnelAnalytics(ctx, sequenceID, r), nil
}

func (e *Engine) GetStepConversionRates(ctx context.Context, sequenceID uuid.UUID, r store.TimeRange) ([]attribution.StepRate, error) {
	r, err := e.normalizeRange(r)
	if err != nil {
		return nil, err
	}
	if _, err := e.sequences.Get(ctx, sequenceID); err != nil {
		return nil, err
	}
	return e.aggregator.StepConversionRates(ctx, sequenceID, r)
}

func (e *Engine) GetRevenueBySource(ctx context.Context, r store.TimeRange) ([]attribution.SourceRevenue, error) {
	r, err := e.normalizeRange(r)
	if err != nil {
		return nil, err
	}
	return e.aggregator.RevenueBySource(ctx, r)
}

// normalizeRange defaults an open range to the trailing 30 days.
func (e *Engine) normalizeRange(r store.TimeRange) (store.TimeRange, error) {
	if r.To.IsZero() {
		r.To = e.now()
	}
	if r.From.IsZero() {
		r.From = r.To.Add(-defaultAnalyticsWindow)
	}
	if !r.From.Before(r.To) {
		return r, apperr.Invalid("range start must be before its end")
	}
	return r, nil
}
