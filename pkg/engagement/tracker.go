// Package engagement maintains streaks, points and badges as side effects of participant
// activity.
package engagement

import (
	"time"

	"github.com/dripflow/dripflow/pkg/model"
)

const (
	BadgeFirstStep = "first_step"
	BadgeHalfway   = "halfway"
	BadgeFinisher  = "finisher"
	BadgeStreak3   = "streak_3"
	BadgeStreak7   = "streak_7"
)

// Config mirrors the engagement section of the service configuration.
type Config struct {
	Points         map[string]int
	StreakWindow   time.Duration
	StreakBreak    time.Duration
	DisabledBadges []string
}

func DefaultConfig() Config {
	return Config{
		Points: map[string]int{
			string(model.EventStart):    1,
			string(model.EventComplete): 10,
		},
		StreakWindow: 24 * time.Hour,
		StreakBreak:  48 * time.Hour,
	}
}

// Badge is awarded the first time Earned holds for a participant.
type Badge struct {
	Code   string
	Earned func(p *model.Participant, seq *model.Sequence) bool
}

var defaultBadges = []Badge{
	{Code: BadgeFirstStep, Earned: func(p *model.Participant, _ *model.Sequence) bool {
		return p.CompletedCount >= 1
	}},
	{Code: BadgeHalfway, Earned: func(p *model.Participant, seq *model.Sequence) bool {
		return len(seq.Items) > 1 && p.CompletedCount*2 >= len(seq.Items)
	}},
	{Code: BadgeFinisher, Earned: func(p *model.Participant, seq *model.Sequence) bool {
		return len(seq.Items) > 0 && p.CompletedCount >= len(seq.Items)
	}},
	{Code: BadgeStreak3, Earned: func(p *model.Participant, _ *model.Sequence) bool {
		return p.Engagement.StreakDays >= 3
	}},
	{Code: BadgeStreak7, Earned: func(p *model.Participant, _ *model.Sequence) bool {
		return p.Engagement.StreakDays >= 7
	}},
}

type Tracker struct {
	cfg    Config
	badges []Badge
}

func NewTracker(cfg Config) *Tracker {
	defaults := DefaultConfig()
	if cfg.StreakWindow <= 0 {
		cfg.StreakWindow = defaults.StreakWindow
	}
	if cfg.StreakBreak <= 0 {
		cfg.StreakBreak = defaults.StreakBreak
	}
	if cfg.Points == nil {
		cfg.Points = defaults.Points
	}

	disabled := make(map[string]bool, len(cfg.DisabledBadges))
	for _, code := range cfg.DisabledBadges {
		disabled[code] = true
	}
	badges := make([]Badge, 0, len(defaultBadges))
	for _, b := range defaultBadges {
		if !disabled[b.Code] {
			badges = append(badges, b)
		}
	}
	return &Tracker{cfg: cfg, badges: badges}
}

// Touch records activity at now and advances the streak.
func (t *Tracker) Touch(p *model.Participant, now time.Time) {
	e := &p.Engagement

	switch {
	case e.LastActiveAt == nil || e.StreakUpdatedAt == nil:
		e.StreakDays = 1
		e.StreakUpdatedAt = timePtr(now)
	case now.Sub(*e.LastActiveAt) > t.cfg.StreakBreak:
		e.StreakDays = 1
		e.StreakUpdatedAt = timePtr(now)
	case now.Sub(*e.StreakUpdatedAt) >= t.cfg.StreakWindow:
		e.StreakDays++
		e.StreakUpdatedAt = timePtr(now)
	}

	if e.StreakDays > e.LongestStreak {
		e.LongestStreak = e.StreakDays
	}
	if e.LastActiveAt == nil || now.After(*e.LastActiveAt) {
		e.LastActiveAt = timePtr(now)
	}
}

// PointsFor returns the configured amount for an event type, zero when none is configured.
func (t *Tracker) PointsFor(eventType model.EventType) int {
	return t.cfg.Points[string(eventType)]
}

// AwardBadges adds every badge whose predicate now holds and returns the new codes.
// Badges already held are left alone.
func (t *Tracker) AwardBadges(p *model.Participant, seq *model.Sequence) []string {
	var awarded []string
	for _, b := range t.badges {
		if p.HasBadge(b.Code) || !b.Earned(p, seq) {
			continue
		}
		p.Badges = append(p.Badges, b.Code)
		awarded = append(awarded, b.Code)
	}
	return awarded
}

func timePtr(t time.Time) *time.Time {
	return &t
}
