// Package producer publishes the events consumed by the notification
// service. Each producer wraps a long-lived broker.Publisher shared by the
// whole process and declares its exchange once before the first publish.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cpmentor/notification-service/internal/broker"
	"github.com/cpmentor/notification-service/internal/notifications"
)

// exchangeOnce declares a durable topic exchange the first time it is
// needed. A failed declare is retried on the next publish.
type exchangeOnce struct {
	pub      broker.Publisher
	exchange string

	mu       sync.Mutex
	declared bool
}

func (e *exchangeOnce) ensure(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.declared {
		return nil
	}
	if err := e.pub.DeclareExchange(ctx, e.exchange, broker.KindTopic, true); err != nil {
		return fmt.Errorf("declare exchange %s: %w", e.exchange, err)
	}
	e.declared = true
	return nil
}

// reset forces a re-declare, used after the publisher reconnects.
func (e *exchangeOnce) reset() {
	e.mu.Lock()
	e.declared = false
	e.mu.Unlock()
}

// TaskEvents publishes task lifecycle events onto the task_events exchange.
type TaskEvents struct {
	ex     exchangeOnce
	logger *slog.Logger
}

func NewTaskEvents(pub broker.Publisher, logger *slog.Logger) *TaskEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskEvents{
		ex:     exchangeOnce{pub: pub, exchange: notifications.ExchangeTaskEvents},
		logger: logger,
	}
}

// PublishTaskCreated announces a single new task.
func (p *TaskEvents) PublishTaskCreated(ctx context.Context, task notifications.TaskStub) error {
	if err := p.publish(ctx, notifications.RoutingKeyTaskCreated, task, notifications.TypeTaskCreated); err != nil {
		return err
	}
	p.logger.Info("producer: task created published", "task_id", task.TaskID, "user_id", task.UserID)
	return nil
}

// PublishBatchCreated announces tasks assigned together.
func (p *TaskEvents) PublishBatchCreated(ctx context.Context, tasks []notifications.TaskStub) error {
	if len(tasks) == 0 {
		return nil
	}
	body := notifications.TasksBatchCreated{Tasks: tasks}
	if err := p.publish(ctx, notifications.RoutingKeyTaskBatchCreated, body, notifications.TypeTasksBatchCreated); err != nil {
		return err
	}
	p.logger.Info("producer: task batch published", "tasks", len(tasks))
	return nil
}

func (p *TaskEvents) publish(ctx context.Context, key string, body any, msgType string) error {
	return publish(ctx, &p.ex, key, body, msgType)
}

// UpcomingContest is a contest to announce. StartTime is sent as epoch
// seconds.
type UpcomingContest struct {
	ID              int64
	Name            string
	StartTime       time.Time
	DurationSeconds int64
	WebsiteURL      string
}

// ContestEvents publishes upcoming contest announcements onto the
// codeforces_notifications exchange.
type ContestEvents struct {
	ex     exchangeOnce
	logger *slog.Logger
	now    func() time.Time
}

func NewContestEvents(pub broker.Publisher, logger *slog.Logger) *ContestEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContestEvents{
		ex:     exchangeOnce{pub: pub, exchange: notifications.ExchangeCodeforces},
		logger: logger,
		now:    time.Now,
	}
}

// Envelope builds the message body for c.
func (p *ContestEvents) Envelope(c UpcomingContest) notifications.ContestEnvelope {
	return notifications.ContestEnvelope{
		Type: notifications.ContestEnvelopeType,
		Data: notifications.ContestPayload{
			ID:              notifications.FlexInt(c.ID),
			Name:            c.Name,
			StartTime:       notifications.StartTime{Time: c.StartTime.UTC()},
			DurationSeconds: notifications.FlexInt(c.DurationSeconds),
			WebsiteURL:      c.WebsiteURL,
		},
		Timestamp: p.now().UTC().Format("2006-01-02T15:04:05"),
	}
}

// PublishUpcoming announces one upcoming contest.
func (p *ContestEvents) PublishUpcoming(ctx context.Context, c UpcomingContest) error {
	err := publish(ctx, &p.ex, notifications.RoutingKeyContestUpcoming, p.Envelope(c), notifications.TypeContestNotification)
	if err != nil {
		return err
	}
	p.logger.Info("producer: upcoming contest published", "contest_id", c.ID, "name", c.Name)
	return nil
}

func publish(ctx context.Context, ex *exchangeOnce, key string, body any, msgType string) error {
	if err := ex.ensure(ctx); err != nil {
		return err
	}
	if err := ex.pub.Publish(ctx, ex.exchange, key, body, msgType); err != nil {
		// The exchange may have vanished with the old connection.
		ex.reset()
		return fmt.Errorf("publish %s to %s: %w", msgType, ex.exchange, err)
	}
	return nil
}
