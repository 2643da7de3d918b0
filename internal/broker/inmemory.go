package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryBroker is a process-local broker holding exchanges, durable queues
// and bindings. Clients created with NewClient connect to it the way Client
// connects to RabbitMQ; queues and their messages outlive client connections.
type InMemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]string // name -> kind
	queues    map[string]*memQueue
	bindings  []memBinding
	changed   chan struct{}
	stats     InMemoryStats
}

// InMemoryStats counts settlement outcomes across all clients.
type InMemoryStats struct {
	Published    int
	Unroutable   int
	Acked        int
	Requeued     int
	Dropped      int
	DeadLettered int
}

type memQueue struct {
	name       string
	messages   []Message
	deadLetter bool
}

type memBinding struct {
	queue    string
	exchange string
	key      string
}

func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*memQueue),
		changed:   make(chan struct{}),
	}
}

// NewClient returns an unconnected client. policy controls how the client
// settles failed deliveries.
func (b *InMemoryBroker) NewClient(policy FailurePolicy, logger *slog.Logger) *InMemoryClient {
	if policy == "" {
		policy = FailureDrop
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryClient{broker: b, policy: policy, logger: logger}
}

func (b *InMemoryBroker) Stats() InMemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// QueueDepth returns the number of ready messages in queue.
func (b *InMemoryBroker) QueueDepth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.messages)
	}
	return 0
}

// HasQueue reports whether queue has been declared.
func (b *InMemoryBroker) HasQueue(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queue]
	return ok
}

// notifyLocked wakes every client waiting for messages.
func (b *InMemoryBroker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *InMemoryBroker) declareExchange(name, kind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.exchanges[name]; ok {
		if existing != kind {
			return fmt.Errorf("declare exchange %s: inequivalent kind %q (existing %q)", name, kind, existing)
		}
		return nil
	}
	b.exchanges[name] = kind
	return nil
}

func (b *InMemoryBroker) declareQueue(name string, deadLetter bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		q.deadLetter = q.deadLetter || deadLetter
		return
	}
	b.queues[name] = &memQueue{name: name, deadLetter: deadLetter}
}

func (b *InMemoryBroker) bind(queue, exchange, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("bind: no queue %s", queue)
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("bind: no exchange %s", exchange)
	}
	for _, bd := range b.bindings {
		if bd.queue == queue && bd.exchange == exchange && bd.key == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, memBinding{queue: queue, exchange: exchange, key: key})
	return nil
}

func (b *InMemoryBroker) publish(msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.exchanges[msg.Exchange]
	if !ok {
		return fmt.Errorf("publish: no exchange %s", msg.Exchange)
	}
	b.stats.Published++

	routed := false
	seen := make(map[string]bool)
	for _, bd := range b.bindings {
		if bd.exchange != msg.Exchange || seen[bd.queue] || !routes(kind, bd.key, msg.RoutingKey) {
			continue
		}
		seen[bd.queue] = true
		q := b.queues[bd.queue]
		q.messages = append(q.messages, msg)
		routed = true
	}
	if !routed {
		b.stats.Unroutable++
		return nil
	}
	b.notifyLocked()
	return nil
}

// next pops the first ready message from the registered queues, scanning from
// start so that busy queues cannot starve the others. When nothing is ready
// it returns a channel closed on the next change.
func (b *InMemoryBroker) next(regs []registration, start int) (Message, int, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range regs {
		idx := (start + i) % len(regs)
		q, ok := b.queues[regs[idx].queue]
		if !ok || len(q.messages) == 0 {
			continue
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]
		return msg, idx, true, nil
	}
	return Message{}, 0, false, b.changed
}

func (b *InMemoryBroker) settle(queue string, msg Message, ok, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.stats.Acked++
		return
	}
	q := b.queues[queue]
	switch {
	case requeue && q != nil:
		msg.Redelivered = true
		q.messages = append([]Message{msg}, q.messages...)
		b.stats.Requeued++
		b.notifyLocked()
	case q != nil && q.deadLetter:
		if dead, exists := b.queues[DeadQueueName(queue)]; exists {
			dead.messages = append(dead.messages, msg)
			b.stats.DeadLettered++
			b.notifyLocked()
			return
		}
		b.stats.Dropped++
	default:
		b.stats.Dropped++
	}
}

// InMemoryClient is a connection to an InMemoryBroker. It implements Broker.
type InMemoryClient struct {
	broker *InMemoryBroker
	policy FailurePolicy
	logger *slog.Logger

	mu   sync.Mutex
	conn *memConn
}

type memConn struct {
	regs     []registration
	lost     chan struct{}
	closed   chan struct{}
	lostOnce sync.Once
	shutOnce sync.Once
}

func newMemConn() *memConn {
	return &memConn{lost: make(chan struct{}), closed: make(chan struct{})}
}

func (mc *memConn) alive() bool {
	select {
	case <-mc.lost:
		return false
	case <-mc.closed:
		return false
	default:
		return true
	}
}

func (c *InMemoryClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.alive() {
		return nil
	}
	c.conn = newMemConn()
	return nil
}

// Sever drops the current connection as a network failure would. A running
// StartConsuming returns an error wrapping ErrConnectionLost and in-flight
// deliveries go back to their queue.
func (c *InMemoryClient) Sever() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.lostOnce.Do(func() { close(conn.lost) })
	}
}

func (c *InMemoryClient) current() (*memConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.alive() {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *InMemoryClient) ensure(ctx context.Context) error {
	if _, err := c.current(); err == nil {
		return nil
	}
	return c.Connect(ctx)
}

func (c *InMemoryClient) DeclareExchange(ctx context.Context, name, kind string, durable bool) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.broker.declareExchange(name, kind)
}

func (c *InMemoryClient) DeclareQueue(ctx context.Context, name string, durable bool) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	deadLetter := c.policy == FailureDeadLetter
	if deadLetter {
		if err := c.broker.declareExchange(DeadLetterExchange, KindDirect); err != nil {
			return err
		}
		dead := DeadQueueName(name)
		c.broker.declareQueue(dead, false)
		if err := c.broker.bind(dead, DeadLetterExchange, name); err != nil {
			return err
		}
	}
	c.broker.declareQueue(name, deadLetter)
	return nil
}

func (c *InMemoryClient) Bind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.broker.bind(queue, exchange, routingKey)
}

func (c *InMemoryClient) Publish(ctx context.Context, exchange, routingKey string, message any, msgType string) error {
	body, contentType, err := encodeBody(message)
	if err != nil {
		return err
	}
	if err := c.ensure(ctx); err != nil {
		return err
	}
	return c.broker.publish(Message{
		Exchange:    exchange,
		RoutingKey:  routingKey,
		Type:        msgType,
		ContentType: contentType,
		MessageID:   uuid.NewString(),
		Body:        body,
	})
}

func (c *InMemoryClient) Consume(queue string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.alive() {
		return ErrNotConnected
	}
	c.conn.regs = append(c.conn.regs, registration{queue: queue, tag: queue, handler: handler})
	return nil
}

type memAck struct {
	broker *InMemoryBroker
	conn   *memConn
	queue  string
	msg    Message
}

var errChannelGone = errors.New("broker: channel closed before settlement")

func (a memAck) Ack() error {
	if !a.conn.alive() {
		a.broker.settle(a.queue, a.msg, false, true)
		return errChannelGone
	}
	a.broker.settle(a.queue, a.msg, true, false)
	return nil
}

func (a memAck) Nack(requeue bool) error {
	if !a.conn.alive() {
		a.broker.settle(a.queue, a.msg, false, true)
		return errChannelGone
	}
	a.broker.settle(a.queue, a.msg, false, requeue)
	return nil
}

func (c *InMemoryClient) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	var regs []registration
	if conn != nil {
		regs = append(regs, conn.regs...)
	}
	c.mu.Unlock()

	if conn == nil || !conn.alive() {
		return ErrNotConnected
	}
	if len(regs) == 0 {
		return errors.New("broker: no consumers registered")
	}

	cursor := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conn.lost:
			return fmt.Errorf("%w: connection severed", ErrConnectionLost)
		case <-conn.closed:
			return ErrClosed
		default:
		}

		msg, idx, ok, wait := c.broker.next(regs, cursor)
		if ok {
			cursor = idx + 1
			reg := regs[idx]
			deliver(ctx, c.logger, reg.handler, msg, memAck{broker: c.broker, conn: conn, queue: reg.queue, msg: msg}, c.policy)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-conn.lost:
			return fmt.Errorf("%w: connection severed", ErrConnectionLost)
		case <-conn.closed:
			return ErrClosed
		case <-wait:
		case <-time.After(time.Second):
		}
	}
}

func (c *InMemoryClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.shutOnce.Do(func() { close(conn.closed) })
	}
	return nil
}
