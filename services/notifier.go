package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"pettag-backend/registry"
)

// Publisher is the part of the Redis client the notifier needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisNotifier publishes notifications for the mailer to pick up
type RedisNotifier struct {
	publisher Publisher
	channel   string
	logger    *slog.Logger
}

// NewRedisNotifier creates a notifier publishing on channel
func NewRedisNotifier(publisher Publisher, channel string) *RedisNotifier {
	return &RedisNotifier{
		publisher: publisher,
		channel:   channel,
		logger:    slog.With("service", "RedisNotifier"),
	}
}

type notificationMessage struct {
	registry.Notification
	SentAt time.Time `json:"sentAt"`
}

func (n *RedisNotifier) Notify(ctx context.Context, note registry.Notification) error {
	data, err := json.Marshal(notificationMessage{Notification: note, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := n.publisher.Publish(ctx, n.channel, data); err != nil {
		return err
	}
	n.logger.Debug("Notification published", "event", note.Event, "user_id", note.UserID)
	return nil
}

// LogNotifier writes notifications to the log. Used when Redis is not configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: slog.With("service", "LogNotifier")}
}

func (n *LogNotifier) Notify(_ context.Context, note registry.Notification) error {
	n.logger.Info("Notification", "event", note.Event, "user_id", note.UserID, "data", note.Data)
	return nil
}
