/*
Package notify delivers boxoffice notifications to the outside world.

PUBLISHERS:
  Log:       writes each notification as a structured log line
  Redis:     PUBLISH on a channel, one JSON message per notification
  Watermill: publishes to a topic of any watermill message.Publisher
  Multi:     fans out to several notifiers concurrently

Delivery is best effort. The engine dispatches after commit and only logs
failures, so a broken channel never blocks a purchase.
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/box-office/boxoffice"
)

const DefaultChannel = "boxoffice.notifications"

// Encode is the wire form shared by the Redis and Watermill publishers.
func Encode(n boxoffice.Notification) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return b, nil
}

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.L()
	}
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(_ context.Context, n boxoffice.Notification) error {
	l.logger.Info("Notification",
		zap.String("kind", string(n.Kind)),
		zap.String("subject", n.Subject),
		zap.String("user_id", n.UserID),
		zap.String("event_id", n.EventID),
		zap.Any("data", n.Data),
		zap.Time("occurred_at", n.OccurredAt))
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

type Redis struct {
	client  redis.UniversalClient
	channel string
}

func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, n boxoffice.Notification) error {
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", n.Kind, r.channel, err)
	}
	return nil
}

// =============================================================================
// WATERMILL
// =============================================================================

type Watermill struct {
	publisher message.Publisher
	topic     string
}

func NewWatermill(publisher message.Publisher, topic string) *Watermill {
	if topic == "" {
		topic = DefaultChannel
	}
	return &Watermill{publisher: publisher, topic: topic}
}

func (w *Watermill) Notify(ctx context.Context, n boxoffice.Notification) error {
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", string(n.Kind))
	msg.Metadata.Set("subject", n.Subject)
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", n.Kind, w.topic, err)
	}
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

type Multi []boxoffice.Notifier

// Notify delivers to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, n boxoffice.Notification) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, notifier := range m {
		g.Go(func() error {
			errs[i] = notifier.Notify(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
