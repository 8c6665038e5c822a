package boxoffice

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

type NotificationKind string

const (
	NotifyTicketIssued       NotificationKind = "ticket_issued"
	NotifyReservationExpired NotificationKind = "reservation_expired"
	NotifyPaymentSettled     NotificationKind = "payment_settled"
)

// Notification tells a downstream channel that something happened.
// Content and delivery are the channel's concern.
type Notification struct {
	Kind       NotificationKind  `json:"kind"`
	Subject    string            `json:"subject"`
	UserID     string            `json:"user_id,omitempty"`
	EventID    string            `json:"event_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

const notifyTimeout = 5 * time.Second

// dispatch sends n after the triggering transaction has committed.
// Failures are logged and counted. They never undo the state change.
func dispatch(ctx context.Context, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := notifier.Notify(ctx, n); err != nil {
		monitoring.RecordNotification(string(n.Kind), "error")
		zap.L().Warn("Notification dispatch failed",
			zap.String("kind", string(n.Kind)),
			zap.String("subject", n.Subject),
			zap.Error(err))
		return
	}
	monitoring.RecordNotification(string(n.Kind), "sent")
}
