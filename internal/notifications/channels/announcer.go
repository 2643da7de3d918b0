package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/cpmentor/notification-service/internal/notifications"
)

const (
	announceQueueSize = 64
	sendTimeout       = 15 * time.Second
)

// Announcer forwards broadcast notifications to external channels. Notify
// only queues; Run performs the HTTP calls so the consumer never waits on a
// chat service. When the queue is full new announcements are dropped.
type Announcer struct {
	channels []Channel
	queue    chan notifications.Notification
	logger   *slog.Logger
}

func NewAnnouncer(logger *slog.Logger, chs ...Channel) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		channels: chs,
		queue:    make(chan notifications.Notification, announceQueueSize),
		logger:   logger,
	}
}

// Enabled reports whether any channel is configured.
func (a *Announcer) Enabled() bool { return len(a.channels) > 0 }

// Notify implements notifications.Notifier. Per-user rows are ignored.
func (a *Announcer) Notify(_ context.Context, created []notifications.Notification) {
	if !a.Enabled() {
		return
	}
	for _, n := range created {
		if !n.IsBroadcast() {
			continue
		}
		select {
		case a.queue <- n:
		default:
			a.logger.Warn("channels: announce queue full, dropping", "notification_id", n.ID)
		}
	}
}

// Run delivers queued announcements until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-a.queue:
			a.send(ctx, n)
		}
	}
}

func (a *Announcer) send(ctx context.Context, n notifications.Notification) {
	for _, ch := range a.channels {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := ch.Send(sendCtx, n)
		cancel()
		if err != nil {
			a.logger.Warn("channels: announce failed",
				"channel", ch.Name(), "type", ch.Type(), "notification_id", n.ID, "error", err)
			continue
		}
		a.logger.Debug("channels: announced", "channel", ch.Name(), "notification_id", n.ID)
	}
}

// FromURLs builds the channels configured by URL. Empty URLs are skipped.
func FromURLs(slackWebhookURL, webhookURL string) ([]Channel, error) {
	var chs []Channel
	if slackWebhookURL != "" {
		ch, err := NewSlackChannel("slack", SlackConfig{WebhookURL: slackWebhookURL})
		if err != nil {
			return nil, err
		}
		chs = append(chs, ch)
	}
	if webhookURL != "" {
		ch, err := NewWebhookChannel("webhook", WebhookConfig{URL: webhookURL})
		if err != nil {
			return nil, err
		}
		chs = append(chs, ch)
	}
	return chs, nil
}
