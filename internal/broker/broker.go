// Package broker wraps the message broker used by the notification pipeline.
// Client talks AMQP 0-9-1 to RabbitMQ; InMemoryBroker is a single-process
// stand-in with the same semantics, used for development and tests.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Exchange kinds understood by both implementations.
const (
	KindTopic  = "topic"
	KindDirect = "direct"
	KindFanout = "fanout"
)

// ContentTypeJSON is attached to every structured publish.
const ContentTypeJSON = "application/json"

const contentTypeText = "text/plain"

// DeadLetterExchange receives rejected messages when the dead-letter failure
// policy is active. Each queue's rejects are routed with the queue name as
// the routing key into "<queue>.dead".
const DeadLetterExchange = "notifications.dlx"

var (
	// ErrNotConnected is returned by operations that need an open channel.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrClosed is returned by StartConsuming after Close was called.
	ErrClosed = errors.New("broker: closed")
	// ErrConnectionLost wraps transport failures observed while consuming.
	ErrConnectionLost = errors.New("broker: connection lost")
)

// Broker is the full client surface used by the consumer. Implementations
// are Client (RabbitMQ) and InMemoryClient.
type Broker interface {
	Publisher

	// Connect opens a connection and channel unless one is already open.
	// Opening a new connection discards consumers registered on the old one.
	Connect(ctx context.Context) error

	// DeclareQueue declares a queue. Queues are never deleted by this system.
	DeclareQueue(ctx context.Context, name string, durable bool) error

	// Bind binds queue to exchange with an exact routing key.
	Bind(ctx context.Context, queue, exchange, routingKey string) error

	// Consume registers handler for deliveries from queue. Deliveries start
	// flowing once StartConsuming is called.
	Consume(queue string, handler Handler) error

	// StartConsuming blocks, delivering messages from every registered queue
	// one at a time. It returns nil when ctx is cancelled, ErrClosed after
	// Close, and an error wrapping ErrConnectionLost on transport failure.
	StartConsuming(ctx context.Context) error

	// Close closes the channel and connection. Safe to call more than once.
	Close() error
}

// Publisher is the producer-side subset of Broker.
type Publisher interface {
	// DeclareExchange declares an exchange if it does not exist yet.
	DeclareExchange(ctx context.Context, name, kind string, durable bool) error

	// Publish sends message to exchange with routingKey. []byte, string and
	// json.RawMessage bodies are sent as-is, anything else is JSON encoded.
	// The message is persistent and carries msgType as its type property.
	Publish(ctx context.Context, exchange, routingKey string, message any, msgType string) error
}

// Message is a delivered broker message.
type Message struct {
	Exchange    string
	RoutingKey  string
	Type        string
	ContentType string
	MessageID   string
	Body        []byte
	Redelivered bool
}

// IsJSON reports whether the message declares a JSON body.
func (m Message) IsJSON() bool {
	return strings.HasPrefix(strings.ToLower(m.ContentType), ContentTypeJSON)
}

// Decode unmarshals a JSON body into v.
func (m Message) Decode(v any) error {
	if !m.IsJSON() {
		return fmt.Errorf("broker: cannot decode content type %q as JSON", m.ContentType)
	}
	return json.Unmarshal(m.Body, v)
}

// Handler processes one delivery. A nil error acknowledges the message; any
// error rejects it according to the client's FailurePolicy.
type Handler func(ctx context.Context, msg Message) error

// FailurePolicy decides what happens to a message whose handler failed.
type FailurePolicy string

const (
	// FailureDrop rejects without requeue; the message is lost.
	FailureDrop FailurePolicy = "drop"
	// FailureRequeue rejects with requeue; the broker redelivers it.
	FailureRequeue FailurePolicy = "requeue"
	// FailureDeadLetter rejects without requeue into DeadLetterExchange.
	FailureDeadLetter FailurePolicy = "dead-letter"
)

// ParseFailurePolicy converts a configuration string. Empty means drop.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailureDrop:
		return FailureDrop, nil
	case FailureRequeue:
		return FailureRequeue, nil
	case FailureDeadLetter:
		return FailureDeadLetter, nil
	default:
		return "", fmt.Errorf("broker: unknown failure policy %q", s)
	}
}

// Requeue reports whether rejected messages go back to their queue.
func (p FailurePolicy) Requeue() bool { return p == FailureRequeue }

// DeadQueueName is the queue collecting rejects of queue under the
// dead-letter policy.
func DeadQueueName(queue string) string { return queue + ".dead" }

// acknowledger settles a single delivery.
type acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// encodeBody turns a publish payload into wire bytes and a content type.
func encodeBody(message any) ([]byte, string, error) {
	switch v := message.(type) {
	case json.RawMessage:
		return v, ContentTypeJSON, nil
	case []byte:
		return v, sniffContentType(v), nil
	case string:
		return []byte(v), sniffContentType([]byte(v)), nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("broker: marshal message: %w", err)
		}
		return body, ContentTypeJSON, nil
	}
}

func sniffContentType(b []byte) string {
	if json.Valid(b) {
		return ContentTypeJSON
	}
	return contentTypeText
}

// deliver runs handler for msg and settles it: ack on success, nack on
// failure with requeue chosen by policy. A JSON message whose body does not
// parse counts as a handler failure. Panics in the handler are recovered and
// treated as failures.
func deliver(ctx context.Context, logger *slog.Logger, handler Handler, msg Message, ack acknowledger, policy FailurePolicy) {
	err := runHandler(ctx, handler, msg)
	if err == nil {
		if aerr := ack.Ack(); aerr != nil {
			logger.Error("broker: ack failed", "type", msg.Type, "message_id", msg.MessageID, "error", aerr)
		}
		return
	}

	requeue := policy.Requeue()
	logger.Error("broker: handler failed, rejecting message",
		"type", msg.Type,
		"routing_key", msg.RoutingKey,
		"message_id", msg.MessageID,
		"requeue", requeue,
		"policy", string(policy),
		"error", err,
	)
	if nerr := ack.Nack(requeue); nerr != nil {
		logger.Error("broker: nack failed", "message_id", msg.MessageID, "error", nerr)
	}
}

func runHandler(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if msg.IsJSON() && !json.Valid(msg.Body) {
		return fmt.Errorf("broker: body is not valid JSON")
	}
	return handler(ctx, msg)
}

// topicMatch implements AMQP topic matching: '*' matches exactly one word,
// '#' matches zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

// routes reports whether a message published with key reaches a binding
// with bindingKey on an exchange of the given kind.
func routes(kind, bindingKey, key string) bool {
	switch kind {
	case KindFanout:
		return true
	case KindDirect:
		return bindingKey == key
	default:
		return topicMatch(bindingKey, key)
	}
}
