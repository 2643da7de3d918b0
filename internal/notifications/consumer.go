package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cpmentor/notification-service/internal/broker"
)

// Binding routes one exchange/routing key pair into a queue.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Topology is the fixed set of bindings the consumer declares.
var Topology = []Binding{
	{Exchange: ExchangeTaskEvents, Queue: QueueTaskNotifications, RoutingKey: RoutingKeyTaskBatchCreated},
	{Exchange: ExchangeCodeforces, Queue: QueueContestNotifications, RoutingKey: RoutingKeyContestUpcoming},
}

// TaskCreatedBinding additionally routes single task events into the task
// queue. It is opt-in through ConsumerOptions.ExtraBindings.
var TaskCreatedBinding = Binding{Exchange: ExchangeTaskEvents, Queue: QueueTaskNotifications, RoutingKey: RoutingKeyTaskCreated}

// State is the consumer lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateSettingUp    State = "setting_up"
	StateConsuming    State = "consuming"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// ErrStopTimeout is returned by Stop when the loop does not exit in time.
var ErrStopTimeout = errors.New("notifications: consumer did not stop in time")

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	// ReconnectBackoff is the fixed wait between reconnect attempts.
	ReconnectBackoff time.Duration
	ExtraBindings    []Binding
	Logger           *slog.Logger
}

// ConsumerStats counts consumer activity since start.
type ConsumerStats struct {
	Handled      int64 `json:"handled"`
	Failed       int64 `json:"failed"`
	Unrecognized int64 `json:"unrecognized"`
	Reconnects   int64 `json:"reconnects"`
}

// Consumer owns a broker connection, declares the notification topology and
// feeds every delivery to an EventHandler. Transport failures are retried
// forever with a fixed backoff.
type Consumer struct {
	broker   broker.Broker
	handler  EventHandler
	bindings []Binding
	backoff  time.Duration
	logger   *slog.Logger

	state        atomic.Value
	handled      atomic.Int64
	failed       atomic.Int64
	unrecognized atomic.Int64
	reconnects   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(b broker.Broker, h EventHandler, opts ConsumerOptions) *Consumer {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bindings := append(append([]Binding(nil), Topology...), opts.ExtraBindings...)
	c := &Consumer{
		broker:   b,
		handler:  h,
		bindings: bindings,
		backoff:  opts.ReconnectBackoff,
		logger:   opts.Logger,
	}
	c.state.Store(StateIdle)
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return c.state.Load().(State)
}

func (c *Consumer) setState(s State) {
	c.state.Store(s)
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:      c.handled.Load(),
		Failed:       c.failed.Load(),
		Unrecognized: c.unrecognized.Load(),
		Reconnects:   c.reconnects.Load(),
	}
}

// Start runs the consume loop on its own goroutine. Calling Start on a
// running consumer does nothing.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	go func() {
		defer close(done)
		c.Run(ctx) //nolint:errcheck
	}()
}

// Stop cancels the loop and waits up to timeout for it to exit, then closes
// the broker connection. Unacknowledged deliveries return to their queues.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(timeout):
			err = ErrStopTimeout
			c.logger.Warn("notifications: consumer still busy after stop timeout", "timeout", timeout)
		}
	}
	if cerr := c.broker.Close(); cerr != nil {
		c.logger.Warn("notifications: closing broker", "error", cerr)
	}
	c.setState(StateStopped)
	return err
}

// Run blocks until ctx is cancelled, reconnecting after every failure.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("notifications: consumer starting", "bindings", len(c.bindings), "backoff", c.backoff)
	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}

		c.setState(StateSettingUp)
		err := c.setup(ctx)
		if err == nil {
			c.setState(StateConsuming)
			err = c.broker.StartConsuming(ctx)
		}
		if ctx.Err() != nil {
			c.setState(StateStopped)
			c.logger.Info("notifications: consumer stopped")
			return nil
		}
		if err == nil {
			err = errors.New("consuming ended unexpectedly")
		}

		c.setState(StateReconnecting)
		c.reconnects.Add(1)
		c.logger.Error("notifications: consumer error, reconnecting", "error", err, "backoff", c.backoff)
		if cerr := c.broker.Close(); cerr != nil {
			c.logger.Debug("notifications: closing broken connection", "error", cerr)
		}

		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return nil
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) setup(ctx context.Context) error {
	if err := c.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	queues := make([]string, 0, len(c.bindings))
	seen := make(map[string]bool)
	for _, b := range c.bindings {
		if err := c.broker.DeclareExchange(ctx, b.Exchange, broker.KindTopic, true); err != nil {
			return err
		}
		if err := c.broker.DeclareQueue(ctx, b.Queue, true); err != nil {
			return err
		}
		if err := c.broker.Bind(ctx, b.Queue, b.Exchange, b.RoutingKey); err != nil {
			return err
		}
		if !seen[b.Queue] {
			seen[b.Queue] = true
			queues = append(queues, b.Queue)
		}
	}

	for _, q := range queues {
		if err := c.broker.Consume(q, c.dispatch); err != nil {
			return fmt.Errorf("consume %s: %w", q, err)
		}
		c.logger.Info("notifications: consumer subscribed", "queue", q)
	}
	return nil
}

// dispatch handles one delivery. Handler work is detached from loop
// cancellation so a stop request does not abort a half-written message.
func (c *Consumer) dispatch(ctx context.Context, msg broker.Message) error {
	ctx = context.WithoutCancel(ctx)

	ev, err := DecodeEvent(msg)
	if err != nil {
		c.failed.Add(1)
		return err
	}

	switch e := ev.(type) {
	case TaskCreated:
		_, err = c.handler.TaskCreated(ctx, e.Task)
	case TasksBatchCreated:
		_, err = c.handler.TasksBatchCreated(ctx, e.Tasks)
	case ContestAnnouncement:
		_, err = c.handler.ContestAnnouncement(ctx, e.Contest)
	case Unrecognized:
		c.unrecognized.Add(1)
		c.logger.Warn("notifications: ignoring unrecognized message",
			"type", e.Type,
			"content_type", e.ContentType,
			"routing_key", msg.RoutingKey,
			"payload", e.Excerpt(256),
		)
		return nil
	}
	if err != nil {
		c.failed.Add(1)
		return fmt.Errorf("handle %s: %w", ev.EventType(), err)
	}
	c.handled.Add(1)
	return nil
}
