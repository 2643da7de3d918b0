package notifications

import (
	"fmt"
	"log/slog"

	"github.com/cpmentor/notification-service/internal/broker"
	"github.com/cpmentor/notification-service/internal/config"
)

// Brokers holds the two broker connections a process uses: one owned by the
// consumer and one shared by every publisher.
type Brokers struct {
	Consumer  broker.Broker
	Publisher broker.Broker
	// InMemory is set when no RabbitMQ host is configured.
	InMemory *broker.InMemoryBroker
}

// NewBrokers creates broker clients based on the application configuration.
// If RABBITMQ_HOST is set, both clients talk to RabbitMQ; otherwise they
// share an InMemoryBroker suitable for single-node development.
func NewBrokers(cfg *config.Config, logger *slog.Logger) (*Brokers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := broker.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	if policy == broker.FailureDrop {
		logger.Warn("notifications: failure policy is drop, messages whose handler fails are discarded")
	}

	if cfg.RabbitMQ.Host != "" {
		logger.Info("notifications: using RabbitMQ", "host", cfg.RabbitMQ.Host, "port", cfg.RabbitMQ.Port, "policy", string(policy))
		rc := broker.Config{
			Host:           cfg.RabbitMQ.Host,
			Port:           cfg.RabbitMQ.Port,
			Username:       cfg.RabbitMQ.Username,
			Password:       cfg.RabbitMQ.Password,
			VHost:          cfg.RabbitMQ.VHost,
			Heartbeat:      cfg.RabbitMQ.Heartbeat,
			ConnectTimeout: cfg.RabbitMQ.ConnectTimeout,
			FailurePolicy:  policy,
		}
		return &Brokers{
			Consumer:  broker.NewClient(rc, logger.With("conn", "consumer")),
			Publisher: broker.NewClient(rc, logger.With("conn", "publisher")),
		}, nil
	}

	logger.Info("notifications: using InMemoryBroker (RABBITMQ_HOST not set)")
	mem := broker.NewInMemoryBroker()
	return &Brokers{
		Consumer:  mem.NewClient(policy, logger.With("conn", "consumer")),
		Publisher: mem.NewClient(policy, logger.With("conn", "publisher")),
		InMemory:  mem,
	}, nil
}

// Close closes both connections.
func (b *Brokers) Close() error {
	cerr := b.Consumer.Close()
	perr := b.Publisher.Close()
	if cerr != nil {
		return fmt.Errorf("close consumer connection: %w", cerr)
	}
	return perr
}
