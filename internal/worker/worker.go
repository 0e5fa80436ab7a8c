// Package worker provides async auth event processing from the EventBus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-security/kestrel/internal/bus"
	"github.com/opensource-security/kestrel/internal/decision"
	"github.com/opensource-security/kestrel/internal/domain"
)

// Worker processes auth events asynchronously from the EventBus.
type Worker struct {
	eventBus    domain.EventBus
	coordinator *decision.Coordinator
	logger      *slog.Logger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string

	// WorkerCount is the number of concurrent workers per tenant
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, coordinator *decision.Coordinator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		eventBus:    eventBus,
		coordinator: coordinator,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins processing events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := bus.SubscribeAuthEvents(w.ctx, w.eventBus, "_global", w.processEvent)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := bus.SubscribeAuthEvents(w.ctx, w.eventBus, tenantID, w.processEvent)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicAuthEventIngested,
	)

	return nil
}

// processEvent runs an ingested auth event through the decision pipeline.
func (w *Worker) processEvent(ctx context.Context, event *domain.AuthEvent) error {
	start := time.Now()

	w.logger.Debug("processing auth event",
		"tenant_id", event.TenantID,
		"username", event.Username,
		"ip", event.IP,
	)

	dec, err := w.coordinator.Process(ctx, event)
	if err != nil {
		w.logger.Error("event processing failed",
			"tenant_id", event.TenantID,
			"username", event.Username,
			"error", err,
		)
		return err
	}

	w.logger.Info("auth event processed",
		"event_id", dec.EventID,
		"tenant_id", event.TenantID,
		"action", dec.Action,
		"score", dec.AdjustedScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
