package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-security/kestrel/internal/domain"
)

// Typed publish and subscribe helpers for the pipeline topics. The bus
// implementations move opaque payloads; the JSON encoding of events and
// decisions lives here so producers and consumers never handle raw
// bytes themselves.

// newMessage builds the envelope both bus implementations publish.
func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// PublishAuthEvent enqueues an authentication event for asynchronous
// evaluation by a worker subscribed to the ingestion topic.
func PublishAuthEvent(ctx context.Context, b domain.EventBus, event *domain.AuthEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding auth event: %w", err)
	}
	return b.Publish(ctx, event.TenantID, domain.TopicAuthEventIngested, payload)
}

// PublishDecision emits a finished decision for downstream consumers.
func PublishDecision(ctx context.Context, b domain.EventBus, d *domain.Decision) error {
	return publishDecision(ctx, b, domain.TopicDecision, d)
}

// PublishAlert emits a decision whose rules triggered, for alerting
// consumers that ignore the clean-decision stream.
func PublishAlert(ctx context.Context, b domain.EventBus, d *domain.Decision) error {
	return publishDecision(ctx, b, domain.TopicAlert, d)
}

// PublishBlockRequest emits a blocking decision for enforcement agents.
func PublishBlockRequest(ctx context.Context, b domain.EventBus, d *domain.Decision) error {
	return publishDecision(ctx, b, domain.TopicBlockRequest, d)
}

func publishDecision(ctx context.Context, b domain.EventBus, topic string, d *domain.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	return b.Publish(ctx, d.TenantID, topic, payload)
}

// SubscribeAuthEvents delivers decoded authentication events from the
// ingestion topic to fn. Events without a tenant inherit the envelope's
// tenant, so producers may omit it from the payload.
func SubscribeAuthEvents(ctx context.Context, b domain.EventBus, tenantID string, fn func(context.Context, *domain.AuthEvent) error) (domain.Subscription, error) {
	return b.Subscribe(ctx, tenantID, domain.TopicAuthEventIngested, func(ctx context.Context, msg *domain.Message) error {
		var event domain.AuthEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("decoding auth event message %s: %w", msg.ID, err)
		}
		if event.TenantID == "" {
			event.TenantID = msg.TenantID
		}
		return fn(ctx, &event)
	})
}

// SubscribeDecisions delivers decoded decisions from topic to fn.
// topic must be one of the decision-carrying topics.
func SubscribeDecisions(ctx context.Context, b domain.EventBus, tenantID, topic string, fn func(context.Context, *domain.Decision) error) (domain.Subscription, error) {
	return b.Subscribe(ctx, tenantID, topic, func(ctx context.Context, msg *domain.Message) error {
		var d domain.Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			return fmt.Errorf("decoding decision message %s: %w", msg.ID, err)
		}
		return fn(ctx, &d)
	})
}
