package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dripflow/dripflow/pkg/config"
	"github.com/dripflow/dripflow/pkg/model"
	"github.com/dripflow/dripflow/pkg/store"
)

// EventStore mirrors the event log into ClickHouse for analytics queries.
type EventStore struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewEventStore(cfg *config.ClickHouseConfig, logger *zap.Logger) (*EventStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return &EventStore{
		conn:   conn,
		logger: logger,
	}, nil
}

func (s *EventStore) InsertEvents(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO events")
	if err != nil {
		return err
	}

	for _, e := range events {
		participantID := ""
		if e.ParticipantID != nil {
			participantID = e.ParticipantID.String()
		}
		itemOrder := int32(-1)
		if e.ItemOrder != nil {
			itemOrder = int32(*e.ItemOrder)
		}
		value := 0.0
		if e.Value != nil {
			value = *e.Value
		}
		err := batch.Append(
			e.ID,
			e.SequenceID,
			participantID,
			e.SessionID,
			string(e.Type),
			itemOrder,
			e.Source.UTMSource,
			e.Source.UTMMedium,
			e.Source.UTMCampaign,
			value,
			e.Currency,
			boolToUInt8(e.IsConversion),
			e.Timestamp,
			e.ExpiresAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (s *EventStore) StepSessionCounts(ctx context.Context, sequenceID uuid.UUID, tr store.TimeRange) ([]store.StepCount, error) {
	query := `
	SELECT item_order,
		uniqExactIf(session_id, type = 'view') AS unique_views,
		uniqExactIf(session_id, type = 'complete') AS unique_completions
	FROM events
	WHERE sequence_id = ? AND item_order >= 0`
	args := []interface{}{sequenceID}
	query, args = appendRange(query, args, tr)
	query += " GROUP BY item_order ORDER BY item_order"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []store.StepCount
	for rows.Next() {
		var (
			order         int32
			views, finish uint64
		)
		if err := rows.Scan(&order, &views, &finish); err != nil {
			return nil, err
		}
		counts = append(counts, store.StepCount{
			ItemOrder:         int(order),
			UniqueViews:       int64(views),
			UniqueCompletions: int64(finish),
		})
	}
	return counts, rows.Err()
}

func (s *EventStore) RevenueBySource(ctx context.Context, tr store.TimeRange) ([]store.SourceRevenue, error) {
	query := `
	SELECT if(utm_source = '', 'unknown', utm_source) AS source,
		utm_campaign AS campaign,
		sum(value) AS revenue,
		count() AS orders
	FROM events
	WHERE type = 'purchase'`
	var args []interface{}
	query, args = appendRange(query, args, tr)
	query += " GROUP BY source, campaign ORDER BY revenue DESC"

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SourceRevenue
	for rows.Next() {
		var (
			row    store.SourceRevenue
			orders uint64
		)
		if err := rows.Scan(&row.Source, &row.Campaign, &row.Revenue, &orders); err != nil {
			return nil, err
		}
		row.Orders = int64(orders)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *EventStore) FunnelTotals(ctx context.Context, sequenceID uuid.UUID, tr store.TimeRange) (store.FunnelTotals, error) {
	query := `
	SELECT uniqExact(session_id),
		uniqExactIf(session_id, type = 'registration'),
		uniqExactIf(session_id, is_conversion = 1 AND type != 'registration'),
		sumIf(value, type = 'purchase')
	FROM events
	WHERE sequence_id = ?`
	args := []interface{}{sequenceID}
	query, args = appendRange(query, args, tr)

	var (
		totals                          store.FunnelTotals
		visitors, registrations, orders uint64
	)
	row := s.conn.QueryRow(ctx, query, args...)
	if err := row.Scan(&visitors, &registrations, &orders, &totals.Revenue); err != nil {
		return totals, err
	}
	totals.UniqueVisitors = int64(visitors)
	totals.Registrations = int64(registrations)
	totals.Conversions = int64(orders)
	return totals, nil
}

// DeleteExpired issues a lightweight delete; the table TTL removes the rest during merges.
func (s *EventStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := s.conn.Exec(ctx, "DELETE FROM events WHERE expires_at <= ?", now.UTC()); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *EventStore) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the events table if it does not exist.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id UUID,
		sequence_id UUID,
		participant_id String,
		session_id String,
		type LowCardinality(String),
		item_order Int32,
		utm_source LowCardinality(String),
		utm_medium LowCardinality(String),
		utm_campaign String,
		value Float64,
		currency LowCardinality(String),
		is_conversion UInt8,
		timestamp DateTime64(3, 'UTC') Codec(Delta, ZSTD),
		expires_at DateTime('UTC')
	)
	ENGINE = ReplacingMergeTree()
	ORDER BY (sequence_id, timestamp, id)
	PARTITION BY toYYYYMM(timestamp)
	TTL expires_at
	`
	return s.conn.Exec(ctx, query)
}

func appendRange(query string, args []interface{}, tr store.TimeRange) (string, []interface{}) {
	if !tr.From.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, tr.From.UTC())
	}
	if !tr.To.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, tr.To.UTC())
	}
	return query, args
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
