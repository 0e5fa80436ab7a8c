package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

// dispatchTimeout bounds one transport call; a slow channel must not
// stall event processing.
const dispatchTimeout = 5 * time.Second

// Dispatcher fans an admitted alert out to the configured channels
// through the transport collaborator. Delivery failures are logged and
// do not propagate: alerting is best-effort relative to the decision.
type Dispatcher struct {
	notifier domain.Notifier
	channels []string
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. channels defaults to ["log"].
func NewDispatcher(notifier domain.Notifier, channels []string, limiter *RateLimiter, logger *slog.Logger) *Dispatcher {
	if len(channels) == 0 {
		channels = []string{"log"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{notifier: notifier, channels: channels, limiter: limiter, logger: logger}
}

// Notify sends one alert for a triggered rule, subject to the rule's
// cooldown. Returns whether the alert was admitted by the limiter.
func (d *Dispatcher) Notify(ctx context.Context, rule *domain.RuleConfig, payload *domain.NotificationPayload) (bool, error) {
	allowed, err := d.limiter.Allow(ctx, rule)
	if err != nil {
		return false, err
	}
	if !allowed {
		return false, nil
	}

	for _, channel := range d.channels {
		callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		err := d.notifier.Dispatch(callCtx, channel, payload)
		cancel()
		if err != nil {
			d.logger.Warn("notification delivery failed",
				"tenant_id", payload.TenantID,
				"rule_id", payload.RuleID,
				"channel", channel,
				"error", err,
			)
		}
	}
	return true, nil
}

// LogNotifier is the default transport: it writes alerts to the
// structured log. Real SMTP/Telegram/webhook transports are external.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Dispatch implements domain.Notifier.
func (n *LogNotifier) Dispatch(_ context.Context, channel string, payload *domain.NotificationPayload) error {
	if payload == nil {
		return fmt.Errorf("nil payload")
	}
	n.logger.Info("security alert",
		"channel", channel,
		"tenant_id", payload.TenantID,
		"rule", payload.RuleName,
		"ip", payload.IP,
		"username", payload.Username,
		"risk_score", payload.RiskScore,
		"message", payload.Message,
	)
	return nil
}
