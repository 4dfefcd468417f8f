// Package notify delivers operator alerts. Risk conditions raised by the
// execution engine (unhedged positions, failed legs) fan out to every
// configured sender; a sender failure never blocks the trading loop.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender, e.g. "telegram".
	Name() string
}

// Notifier fans alerts out to the registered senders. It satisfies the
// engine's Alerter interface: Alert never returns an error because alerting
// is best-effort relative to trading.
type Notifier struct {
	senders []Sender
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders.
func NewNotifier(senders []Sender, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders: senders,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Alert dispatches to all senders, logging failures instead of propagating
// them.
func (n *Notifier) Alert(ctx context.Context, title, body string) {
	if err := n.Send(ctx, title, body); err != nil {
		n.logger.ErrorContext(ctx, "alert delivery failed",
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
	}
}

// Send delivers to every sender and returns a combined error when any fail.
// One sender failing does not prevent delivery to the rest.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
