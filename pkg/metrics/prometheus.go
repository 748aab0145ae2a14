package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_registrations_total",
			Help: "Total number of registrations by outcome (created, existing)",
		},
		[]string{"sequence_id", "outcome"},
	)

	AccessDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_access_decisions_total",
			Help: "Access checks by result; reason is empty for allowed checks",
		},
		[]string{"sequence_id", "allowed", "reason"},
	)

	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_item_completions_total",
			Help: "Total number of item completions",
		},
		[]string{"sequence_id", "item_order"},
	)

	PointsAwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_points_awarded_total",
			Help: "Total points awarded by event type",
		},
		[]string{"event_type"},
	)

	BadgesAwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_badges_awarded_total",
			Help: "Total badges awarded by code",
		},
		[]string{"badge"},
	)

	EventsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_events_recorded_total",
			Help: "Total behavioral events recorded by type",
		},
		[]string{"type", "conversion"},
	)

	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_participant_status_transitions_total",
			Help: "Participant status transitions",
		},
		[]string{"from", "to"},
	)

	VersionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripflow_participant_version_conflicts_total",
			Help: "Optimistic concurrency retries on participant updates",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_notifications_total",
			Help: "Notification dispatches by driver and outcome",
		},
		[]string{"driver", "outcome"},
	)

	AnalyticsQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripflow_analytics_query_duration_seconds",
			Help:    "Analytics aggregation query latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"query", "outcome"},
	)

	OutboxPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_outbox_publish_total",
			Help: "Outbox relay publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	ConsumedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripflow_consumed_messages_total",
			Help: "Kafka messages consumed by topic and outcome (handled, duplicate, retried, dead_lettered)",
		},
		[]string{"topic", "outcome"},
	)

	RetentionDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripflow_retention_deleted_events_total",
			Help: "Events deleted after their retention horizon",
		},
	)
)
