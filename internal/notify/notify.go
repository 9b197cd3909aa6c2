// Package notify dispatches lifecycle events to the receivers an app
// declares: the server log or an operator webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"scotty/internal/apps"
	"scotty/internal/config"
	"scotty/internal/logging"
)

// Event is one lifecycle notification.
type Event struct {
	App       string    `json:"app"`
	Operation string    `json:"operation"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier fans one event out to a set of receivers. Delivery is best
// effort; a failing webhook never fails the operation that emitted it.
type Notifier struct {
	client         *http.Client
	defaultWebhook string
}

// New creates a notifier. The configured webhook URL is the target for
// webhook receivers that omit their own.
func New(cfg config.NotificationsConfig) *Notifier {
	return &Notifier{
		client:         &http.Client{Timeout: 10 * time.Second},
		defaultWebhook: cfg.WebhookURL,
	}
}

// Dispatch delivers the event to every receiver. An app without
// receivers still gets the log line.
func (n *Notifier) Dispatch(ctx context.Context, receivers []apps.NotificationReceiver, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if len(receivers) == 0 {
		n.log(ev)
		return
	}
	for _, r := range receivers {
		switch r.Kind {
		case "webhook":
			n.webhook(ctx, r.Target, ev)
		default:
			n.log(ev)
		}
	}
}

func (n *Notifier) log(ev Event) {
	fields := []zap.Field{
		zap.String("app", ev.App),
		zap.String("operation", ev.Operation),
		zap.String("message", ev.Message),
	}
	if ev.Success {
		logging.L().Info("lifecycle operation finished", fields...)
	} else {
		logging.L().Error("lifecycle operation failed", fields...)
	}
}

func (n *Notifier) webhook(ctx context.Context, target string, ev Event) {
	if target == "" {
		target = n.defaultWebhook
	}
	if target == "" {
		logging.S().Warnw("webhook receiver without a target", "app", ev.App)
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		logging.S().Warnw("invalid webhook target", "target", target, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		logging.S().Warnw("webhook delivery failed", "target", target, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		logging.S().Warnw("webhook rejected event", "target", target, "status", resp.StatusCode)
	}
}
