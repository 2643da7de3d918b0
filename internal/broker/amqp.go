package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultPrefetch = 10

// Config holds RabbitMQ connection settings.
type Config struct {
	Host           string
	Port           string
	Username       string
	Password       string
	VHost          string
	Heartbeat      time.Duration
	ConnectTimeout time.Duration
	Prefetch       int
	FailurePolicy  FailurePolicy
}

// URL builds the amqp:// connection string for cfg.
func (cfg Config) URL() string {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port == 0 {
		port = 5672
	}
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     port,
		Username: cfg.Username,
		Password: cfg.Password,
		Vhost:    vhost,
	}.String()
}

type registration struct {
	queue   string
	tag     string
	handler Handler
}

// Client is a RabbitMQ implementation of Broker. A Client owns at most one
// connection and one channel at a time.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	regs  []registration
	pubMu sync.Mutex
}

// NewClient creates a client. No connection is opened until Connect or the
// first operation that needs one.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailureDrop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Connect dials RabbitMQ and opens a channel in confirm mode. It is a no-op
// while the current connection and channel are open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.teardownLocked()

	conn, err := amqp.DialConfig(c.cfg.URL(), amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ at %s:%s: %w", c.cfg.Host, c.cfg.Port, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.regs = nil
	c.logger.Info("connected to RabbitMQ", "host", c.cfg.Host, "port", c.cfg.Port, "vhost", c.cfg.VHost)
	return nil
}

func (c *Client) teardownLocked() {
	if c.ch != nil {
		c.ch.Close() //nolint:errcheck
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close() //nolint:errcheck
	}
	c.ch = nil
	c.conn = nil
	c.regs = nil
}

// channel returns the open channel, connecting lazily.
func (c *Client) channel(ctx context.Context) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.ch, nil
}

func (c *Client) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// DeclareQueue declares name. Under the dead-letter policy it also declares
// DeadLetterExchange and the queue's "<name>.dead" companion, and points the
// queue's rejects at them.
func (c *Client) DeclareQueue(ctx context.Context, name string, durable bool) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}

	var args amqp.Table
	if c.cfg.FailurePolicy == FailureDeadLetter {
		if err := ch.ExchangeDeclare(DeadLetterExchange, KindDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
		}
		dead := DeadQueueName(name)
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dead, err)
		}
		if err := ch.QueueBind(dead, name, DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", dead, DeadLetterExchange, err)
		}
		args = amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchange,
			"x-dead-letter-routing-key": name,
		}
	}

	if _, err := ch.QueueDeclare(name, durable, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (c *Client) Bind(ctx context.Context, queue, exchange, routingKey string) error {
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s to %s (%s): %w", queue, exchange, routingKey, err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker's confirm.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, message any, msgType string) error {
	body, contentType, err := encodeBody(message)
	if err != nil {
		return err
	}
	ch, err := c.channel(ctx)
	if err != nil {
		return err
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentType,
		Type:         msgType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s (%s): %w", exchange, routingKey, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s (%s): waiting for confirm: %w", exchange, routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s (%s): broker rejected message", exchange, routingKey)
	}
	return nil
}

// Consume records a consumer for queue on the current connection.
func (c *Client) Consume(queue string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() || c.ch == nil || c.ch.IsClosed() {
		return ErrNotConnected
	}
	c.regs = append(c.regs, registration{
		queue:   queue,
		tag:     fmt.Sprintf("%s-%s", queue, uuid.NewString()[:8]),
		handler: handler,
	})
	return nil
}

type inbound struct {
	delivery amqp.Delivery
	reg      registration
}

type deliveryAck struct{ d amqp.Delivery }

func (a deliveryAck) Ack() error              { return a.d.Ack(false) }
func (a deliveryAck) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func (c *Client) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	regs := append([]registration(nil), c.regs...)
	c.mu.Unlock()

	if conn == nil || conn.IsClosed() || ch == nil {
		return ErrNotConnected
	}
	if len(regs) == 0 {
		return errors.New("broker: no consumers registered")
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan inbound)
	for _, reg := range regs {
		deliveries, err := ch.Consume(reg.queue, reg.tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("%w: consume %s: %v", ErrConnectionLost, reg.queue, err)
		}
		go forward(fwdCtx, reg, deliveries, merged)
	}
	c.logger.Info("consuming", "queues", len(regs))

	for {
		select {
		case <-ctx.Done():
			for _, reg := range regs {
				ch.Cancel(reg.tag, false) //nolint:errcheck
			}
			return nil
		case amqpErr, ok := <-connClosed:
			return closeReason(amqpErr, ok)
		case amqpErr, ok := <-chanClosed:
			return closeReason(amqpErr, ok)
		case in := <-merged:
			deliver(ctx, c.logger, in.reg.handler, fromDelivery(in.delivery), deliveryAck{in.delivery}, c.cfg.FailurePolicy)
		}
	}
}

func forward(ctx context.Context, reg registration, deliveries <-chan amqp.Delivery, out chan<- inbound) {
	for d := range deliveries {
		select {
		case out <- inbound{delivery: d, reg: reg}:
		case <-ctx.Done():
			return
		}
	}
}

// closeReason maps a NotifyClose signal to the StartConsuming result. A
// graceful close carries no error.
func closeReason(amqpErr *amqp.Error, ok bool) error {
	if !ok || amqpErr == nil {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
}

func fromDelivery(d amqp.Delivery) Message {
	return Message{
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Type:        d.Type,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.ch != nil && !c.ch.IsClosed() {
		err = c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		err = errors.Join(err, c.conn.Close())
	}
	c.ch = nil
	c.conn = nil
	c.regs = nil
	return err
}
