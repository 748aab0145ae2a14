package attribution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/metrics"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

type StatusCounter interface {
	CountByStatus(ctx context.Context, sequenceID uuid.UUID) (map[model.ParticipantStatus]int64, error)
}

type StepRate struct {
	ItemOrder         int     `json:"item_order"`
	UniqueViews       int64   `json:"unique_views"`
	UniqueCompletions int64   `json:"unique_completions"`
	Rate              float64 `json:"rate"`
}

type SourceRevenue struct {
	Source            string  `json:"source"`
	Campaign          string  `json:"campaign"`
	Revenue           float64 `json:"revenue"`
	Orders            int64   `json:"orders"`
	AverageOrderValue float64 `json:"average_order_value"`
}

// Snapshot is the combined funnel view. Partial is set when one of the underlying queries
// failed; the affected sections are left empty and Errors names them.
type Snapshot struct {
	SequenceID       uuid.UUID                         `json:"sequence_id"`
	From             time.Time                         `json:"from"`
	To               time.Time                         `json:"to"`
	UniqueVisitors   int64                             `json:"unique_visitors"`
	Registrations    int64                             `json:"registrations"`
	Conversions      int64                             `json:"conversions"`
	Revenue          float64                           `json:"revenue"`
	RegistrationRate float64                           `json:"registration_rate"`
	ConversionRate   float64                           `json:"conversion_rate"`
	Steps            []StepRate                        `json:"steps"`
	RevenueBySource  []SourceRevenue                   `json:"revenue_by_source"`
	Participants     map[model.ParticipantStatus]int64 `json:"participants"`
	Partial          bool                              `json:"partial"`
	Errors           []string                          `json:"errors,omitempty"`
}

type Aggregator struct {
	events       store.AnalyticsStore
	participants StatusCounter
	timeout      time.Duration
	logger       *zap.Logger
}

func NewAggregator(events store.AnalyticsStore, participants StatusCounter, timeout time.Duration, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aggregator{
		events:       events,
		participants: participants,
		timeout:      timeout,
		logger:       logger.Named("attribution"),
	}
}

// StepConversionRates reports completions / views per item order, counted in unique sessions.
func (a *Aggregator) StepConversionRates(ctx context.Context, sequenceID uuid.UUID, r store.TimeRange) ([]StepRate, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var counts []store.StepCount
	err := a.observe("step_conversion", func() error {
		var err error
		counts, err = a.events.StepSessionCounts(ctx, sequenceID, r)
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable("step conversion rates", err)
	}

	rates := make([]StepRate, 0, len(counts))
	for _, c := range counts {
		rates = append(rates, StepRate{
			ItemOrder:         c.ItemOrder,
			UniqueViews:       c.UniqueViews,
			UniqueCompletions: c.UniqueCompletions,
			Rate:              ratio(c.UniqueCompletions, c.UniqueViews),
		})
	}
	return rates, nil
}

func (a *Aggregator) RevenueBySource(ctx context.Context, r store.TimeRange) ([]SourceRevenue, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var rows []store.SourceRevenue
	err := a.observe("revenue_by_source", func() error {
		var err error
		rows, err = a.events.RevenueBySource(ctx, r)
		return err
	})
	if err != nil {
		return nil, apperr.Unavailable("revenue by source", err)
	}

	out := make([]SourceRevenue, 0, len(rows))
	for _, row := range rows {
		source := row.Source
		if source == "" {
			source = UnknownSource
		}
		aov := 0.0
		if row.Orders > 0 {
			aov = row.Revenue / float64(row.Orders)
		}
		out = append(out, SourceRevenue{
			Source:            source,
			Campaign:          row.Campaign,
			Revenue:           row.Revenue,
			Orders:            row.Orders,
			AverageOrderValue: aov,
		})
	}
	return out, nil
}

// FunnelAnalytics runs every aggregation concurrently under one timeout. Failures degrade
// the snapshot instead of failing the call.
func (a *Aggregator) FunnelAnalytics(ctx context.Context, sequenceID uuid.UUID, r store.TimeRange) Snapshot {
	snapshot := Snapshot{SequenceID: sequenceID, From: r.From, To: r.To}

	var (
		totals   store.FunnelTotals
		steps    []StepRate
		revenue  []SourceRevenue
		statuses map[model.ParticipantStatus]int64
		errs     = make([]error, 4)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qctx, cancel := context.WithTimeout(gctx, a.timeout)
		defer cancel()
		errs[0] = a.observe("funnel_totals", func() error {
			var err error
			totals, err = a.events.FunnelTotals(qctx, sequenceID, r)
			return err
		})
		return nil
	})
	g.Go(func() error {
		steps, errs[1] = a.StepConversionRates(gctx, sequenceID, r)
		return nil
	})
	g.Go(func() error {
		revenue, errs[2] = a.RevenueBySource(gctx, r)
		return nil
	})
	if a.participants != nil {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()
			var err error
			statuses, err = a.participants.CountByStatus(qctx, sequenceID)
			errs[3] = err
			return nil
		})
	}
	_ = g.Wait()

	sections := []string{"totals", "steps", "revenue_by_source", "participants"}
	for i, err := range errs {
		if err == nil {
			continue
		}
		snapshot.Partial = true
		snapshot.Errors = append(snapshot.Errors, sections[i])
		a.logger.Warn("analytics query failed",
			zap.String("sequence_id", sequenceID.String()),
			zap.String("section", sections[i]),
			zap.Error(err))
	}

	if errs[0] == nil {
		snapshot.UniqueVisitors = totals.UniqueVisitors
		snapshot.Registrations = totals.Registrations
		snapshot.Conversions = totals.Conversions
		snapshot.Revenue = totals.Revenue
		snapshot.RegistrationRate = ratio(totals.Registrations, totals.UniqueVisitors)
		snapshot.ConversionRate = ratio(totals.Conversions, totals.UniqueVisitors)
	}
	snapshot.Steps = steps
	snapshot.RevenueBySource = revenue
	snapshot.Participants = statuses
	return snapshot
}

func (a *Aggregator) observe(query string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.AnalyticsQueryDuration.WithLabelValues(query, outcome).Observe(time.Since(start).Seconds())
	return err
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
