// Package decision implements the per-event coordinator. It walks one
// authentication event through signal collection, scoring, rule
// evaluation and dispatch, and is the only component with side effects
// on the baseline store and the notification queue.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-security/kestrel/internal/baseline"
	"github.com/opensource-security/kestrel/internal/behavior"
	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/metrics"
	"github.com/opensource-security/kestrel/internal/notify"
	"github.com/opensource-security/kestrel/internal/risk"
	"github.com/opensource-security/kestrel/internal/rules"
	"github.com/opensource-security/kestrel/internal/signals"
)

const engineVersion = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-decision")

// EventWriter is the slice of the repository the coordinator writes to.
type EventWriter interface {
	SaveAuthEvent(ctx context.Context, tenantID string, event *domain.AuthEvent) error
	SaveDecision(ctx context.Context, tenantID string, decision *domain.Decision) error
}

// Coordinator orchestrates the evaluation pipeline for one event at a
// time. Events for different users and IPs may be processed concurrently;
// per-user ordering is enforced by the baseline store's locks.
type Coordinator struct {
	collector  *signals.Collector
	analyzer   *behavior.Analyzer
	rules      *rules.Set
	baselines  *baseline.Store
	writer     EventWriter
	dispatcher *notify.Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger
}

// NewCoordinator wires the pipeline components together. bus may be nil
// when downstream consumers are not configured.
func NewCoordinator(
	collector *signals.Collector,
	analyzer *behavior.Analyzer,
	ruleSet *rules.Set,
	baselines *baseline.Store,
	writer EventWriter,
	dispatcher *notify.Dispatcher,
	bus domain.EventBus,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		collector:  collector,
		analyzer:   analyzer,
		rules:      ruleSet,
		baselines:  baselines,
		writer:     writer,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
	}
}

// Process runs one event through the full pipeline and returns the
// decision. Signal failures degrade; only persistence failures are fatal.
func (c *Coordinator) Process(ctx context.Context, event *domain.AuthEvent) (*domain.Decision, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "decision.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", event.TenantID),
		attribute.String("event.type", string(event.EventType)),
	)

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	// Collected: assemble the signal bag; each provider degrades to
	// absence on failure.
	signalsStart := time.Now()
	bag := c.collector.Collect(ctx, event)
	signals.Annotate(event, bag)
	signalsMs := time.Since(signalsStart).Milliseconds()

	// The event must be visible to the window aggregates before rules
	// run, so velocity-style counts include the attempt being judged.
	if err := c.writer.SaveAuthEvent(ctx, event.TenantID, event); err != nil {
		return nil, fmt.Errorf("saving event: %w", err)
	}

	// Scored: behavioral analysis and risk blending run independently.
	analysisStart := time.Now()
	analysis, err := c.analyzer.Analyze(ctx, behavior.Input{
		TenantID:  event.TenantID,
		IP:        event.IP,
		Username:  event.Username,
		EventType: event.EventType,
		Geo:       bag.Geo,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		c.logger.Warn("behavioral analysis degraded",
			"tenant_id", event.TenantID,
			"event_id", event.ID,
			"error", err,
		)
		analysis = &domain.BehaviorAnalysis{Confidence: 0.5}
	}
	adjustedScore, adjustmentReasons := risk.Blend(bag.ML, bag.Geo, event.EventType, event.Timestamp)
	analysisMs := time.Since(analysisStart).Milliseconds()
	metrics.BehaviorRiskScore.WithLabelValues(event.TenantID).Observe(float64(analysis.RiskScore))

	// RuleEvaluated: every enabled rule runs; triggers accumulate so
	// approval can be OR-reduced and the strongest block method wins.
	rulesStart := time.Now()
	outcomes := c.rules.Evaluate(ctx, &rules.Input{
		Event:         event,
		Signals:       bag,
		Behavior:      analysis,
		AdjustedScore: adjustedScore,
	})
	rulesMs := time.Since(rulesStart).Milliseconds()

	decision := c.decide(event, analysis, adjustedScore, adjustmentReasons, outcomes)
	decision.Metadata = domain.DecisionMetadata{
		TraceID:        span.SpanContext().TraceID().String(),
		SignalsMs:      signalsMs,
		AnalysisMs:     analysisMs,
		RulesMs:        rulesMs,
		TotalMs:        time.Since(start).Milliseconds(),
		RulesEvaluated: len(outcomes),
		EngineVersion:  engineVersion,
	}

	if err := c.writer.SaveDecision(ctx, event.TenantID, decision); err != nil {
		return nil, fmt.Errorf("saving decision: %w", err)
	}

	c.dispatch(ctx, event, decision, outcomes)

	metrics.ObserveProcessing(event.TenantID, string(event.EventType), time.Since(start))
	metrics.DecisionsTotal.WithLabelValues(event.TenantID, string(decision.Action)).Inc()

	span.SetAttributes(
		attribute.String("decision.action", string(decision.Action)),
		attribute.Int("decision.risk_score", decision.RiskScore),
	)
	return decision, nil
}

// decide reduces the rule outcomes to the final action and block method.
func (c *Coordinator) decide(
	event *domain.AuthEvent,
	analysis *domain.BehaviorAnalysis,
	adjustedScore int,
	adjustmentReasons []string,
	outcomes []rules.Outcome,
) *domain.Decision {
	decision := &domain.Decision{
		ID:                uuid.New().String(),
		TenantID:          event.TenantID,
		EventID:           event.ID,
		IP:                event.IP,
		Username:          event.Username,
		Action:            domain.ActionNone,
		BlockMethod:       domain.BlockNone,
		RiskScore:         analysis.RiskScore,
		Confidence:        analysis.Confidence,
		RiskFactors:       analysis.RiskFactors,
		Recommendations:   analysis.Recommendations,
		AdjustedScore:     adjustedScore,
		AdjustmentReasons: adjustmentReasons,
		Timestamp:         time.Now().UTC(),
	}

	anyAutonomous := false
	for _, o := range outcomes {
		header := o.Verdict.Header()
		if _, faulted := o.Verdict.(*domain.ErrorVerdict); faulted {
			metrics.RuleEvaluationErrorsTotal.WithLabelValues(event.TenantID).Inc()
			continue
		}
		if !header.Triggered {
			continue
		}

		method := domain.BlockTemporary
		if bv, ok := o.Verdict.(*domain.BehavioralVerdict); ok {
			method = bv.BlockMethod
		}

		decision.TriggeredRules = append(decision.TriggeredRules, domain.TriggeredRule{
			RuleID:           o.Rule.ID,
			RuleName:         o.Rule.Name,
			RuleType:         o.Rule.Type,
			Reason:           header.Reason,
			RequiresApproval: header.RequiresApproval,
			BlockMethod:      method,
		})
		decision.Reasons = append(decision.Reasons, header.Reason)
		metrics.RulesTriggeredTotal.WithLabelValues(event.TenantID, string(o.Rule.Type)).Inc()

		if !header.RequiresApproval {
			anyAutonomous = true
		}
		if method.Stronger(decision.BlockMethod) {
			decision.BlockMethod = method
		}
	}

	if len(decision.TriggeredRules) > 0 {
		if anyAutonomous {
			decision.Action = domain.ActionBlock
		} else {
			decision.Action = domain.ActionHold
		}
		if decision.BlockMethod == domain.BlockNone {
			decision.BlockMethod = domain.BlockTemporary
		}
	}
	return decision
}

// dispatch performs the pipeline's side effects: baseline learning for
// successful logins, rate-limited alerts for triggered rules, and bus
// publications for downstream consumers. None of them fail the decision.
func (c *Coordinator) dispatch(ctx context.Context, event *domain.AuthEvent, decision *domain.Decision, outcomes []rules.Outcome) {
	if event.EventType == domain.EventSuccessful {
		err := c.baselines.LearnFromLogin(ctx, event.TenantID, baseline.ObservedLogin{
			Username:     event.Username,
			IP:           event.IP,
			Country:      event.Country,
			City:         event.City,
			IsSuccessful: true,
			Timestamp:    event.Timestamp,
		})
		if err != nil {
			c.logger.Error("baseline learning failed",
				"tenant_id", event.TenantID,
				"username", event.Username,
				"error", err,
			)
		}
	}

	if c.dispatcher != nil {
		for i, rule := range decision.TriggeredRules {
			cfg := outcomes[0].Rule
			for _, o := range outcomes {
				if o.Rule.ID == rule.RuleID {
					cfg = o.Rule
					break
				}
			}
			payload := &domain.NotificationPayload{
				TenantID:        event.TenantID,
				RuleID:          rule.RuleID,
				RuleName:        rule.RuleName,
				Message:         decision.Reasons[i],
				IP:              event.IP,
				Username:        event.Username,
				RiskScore:       decision.RiskScore,
				Factors:         decision.RiskFactors,
				Recommendations: decision.Recommendations,
			}
			sent, err := c.dispatcher.Notify(ctx, cfg, payload)
			outcome := "sent"
			switch {
			case err != nil:
				outcome = "failed"
				c.logger.Warn("notification failed",
					"tenant_id", event.TenantID,
					"rule_id", rule.RuleID,
					"error", err,
				)
			case !sent:
				outcome = "suppressed"
			}
			metrics.NotificationsTotal.WithLabelValues(event.TenantID, outcome).Inc()
		}
	}

	if c.bus != nil {
		if err := bus.PublishDecision(ctx, c.bus, decision); err != nil {
			c.logger.Warn("decision publish failed", "tenant_id", event.TenantID, "error", err)
		}
		if len(decision.TriggeredRules) > 0 {
			if err := bus.PublishAlert(ctx, c.bus, decision); err != nil {
				c.logger.Warn("alert publish failed", "tenant_id", event.TenantID, "error", err)
			}
		}
		if decision.Action == domain.ActionBlock {
			if err := bus.PublishBlockRequest(ctx, c.bus, decision); err != nil {
				c.logger.Warn("block request publish failed", "tenant_id", event.TenantID, "error", err)
			}
		}
	}
}
