// Package notify delivers best-effort user notifications for settlement
// events. Delivery is fire-and-forget: a notification failure never fails
// the operation it describes.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	EventDepositCredited     = "deposit_credited"
	EventWithdrawalCompleted = "withdrawal_completed"
	EventWithdrawalFailed    = "withdrawal_failed"
	EventWithdrawalCancelled = "withdrawal_cancelled"
)

// Event is one user-facing notification.
type Event struct {
	Type      string
	UserID    uuid.UUID
	Amount    float64
	Reference string
}

// Notifier delivers events. Implementations must not block the caller and
// must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// LogNotifier writes events to the structured log. The default sink when no
// push channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, e Event) {
	n.log.Info("notify: event",
		"type", e.Type, "user", e.UserID, "amount", e.Amount, "reference", e.Reference)
}
