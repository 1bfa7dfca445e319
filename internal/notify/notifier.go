// Package notify raises operator alerts for the conditions the engine cannot
// resolve on its own: trades that soft-failed without a price, fan-out jobs
// that could not be enqueued or finished with failed mirrors. Alerts go to
// every configured channel and can be filtered by event name.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Alert is one operator notification. Event is the machine name used for
// filtering; TradeID is optional context that senders append when set.
type Alert struct {
	Event   string
	Title   string
	Body    string
	TradeID string
}

// Sender delivers alerts over one channel.
type Sender interface {
	Send(ctx context.Context, a Alert) error
	// Name identifies the channel in logs, e.g. "telegram".
	Name() string
}

// Notifier fans an alert out to every sender. When an event allowlist is
// configured, alerts with other event names are dropped silently; operators
// running paper accounts typically mute everything but fan-out failures.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. An empty
// events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the alert to every sender, subject to the event allowlist.
// A failing sender does not stop delivery to the rest; all failures come
// back as one combined error.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if len(n.allowed) > 0 && !n.allowed[a.Event] {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("event", a.Event))
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, a); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", a.Event),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
