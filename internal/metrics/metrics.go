// Package metrics exposes Prometheus instrumentation for the evaluation
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessedTotal counts ingested authentication events.
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_events_processed_total",
			Help: "Total number of authentication events processed",
		},
		[]string{"tenant_id", "event_type"},
	)

	// DecisionsTotal counts final decisions by action.
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_decisions_total",
			Help: "Total number of decisions by final action",
		},
		[]string{"tenant_id", "action"},
	)

	// RulesTriggeredTotal counts rule triggers by family.
	RulesTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rules_triggered_total",
			Help: "Total number of rule triggers",
		},
		[]string{"tenant_id", "rule_type"},
	)

	// RuleEvaluationErrorsTotal counts evaluator faults converted to
	// error verdicts.
	RuleEvaluationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_rule_evaluation_errors_total",
			Help: "Total number of rule evaluations that faulted",
		},
		[]string{"tenant_id"},
	)

	// ProcessingDuration tracks end-to-end event processing latency.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_event_processing_seconds",
			Help:    "End-to-end event processing latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	// NotificationsTotal counts alert dispatch outcomes.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_notifications_total",
			Help: "Total number of notifications by outcome (sent, suppressed, failed)",
		},
		[]string{"tenant_id", "outcome"},
	)

	// BehaviorRiskScore observes the behavioral analyzer's composite score.
	BehaviorRiskScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_behavior_risk_score",
			Help:    "Distribution of behavioral risk scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"tenant_id"},
	)
)

// ObserveProcessing records one processed event.
func ObserveProcessing(tenantID string, eventType string, d time.Duration) {
	EventsProcessedTotal.WithLabelValues(tenantID, eventType).Inc()
	ProcessingDuration.WithLabelValues(tenantID).Observe(d.Seconds())
}
