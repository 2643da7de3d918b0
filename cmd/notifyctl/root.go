package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cpmentor/notification-service/internal/broker"
	"github.com/cpmentor/notification-service/internal/config"
	"github.com/cpmentor/notification-service/internal/notifications"
)

// connector opens the publisher connection used by a command.
type connector func(cfg *config.Config, logger *slog.Logger) (broker.Broker, error)

func defaultConnector(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.RabbitMQ.Host == "" {
		return nil, errors.New("RABBITMQ_HOST is not set; notifyctl publishes to a running RabbitMQ")
	}
	brokers, err := notifications.NewBrokers(cfg, logger)
	if err != nil {
		return nil, err
	}
	// Only the publisher side is used here.
	brokers.Consumer.Close() //nolint:errcheck
	return brokers.Publisher, nil
}

// cli is the state shared by every command of one invocation.
type cli struct {
	connect  connector
	cfg      *config.Config
	logger   *slog.Logger
	logLevel string
	pub      broker.Broker
}

// publisher connects lazily so commands that never publish need no broker.
func (c *cli) publisher() (broker.Broker, error) {
	if c.pub != nil {
		return c.pub, nil
	}
	pub, err := c.connect(c.cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.pub = pub
	return pub, nil
}

func (c *cli) close() {
	if c.pub != nil {
		c.pub.Close() //nolint:errcheck
		c.pub = nil
	}
}

func newRootCmd(connect connector) *cobra.Command {
	c := &cli{connect: connect}

	rootCmd := &cobra.Command{
		Use:   "notifyctl",
		Short: "Publish task and contest events to the notification service",
		Long: `notifyctl publishes the events the notification service consumes.
Broker settings come from the same RABBITMQ_* environment variables as the server.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.cfg = config.Load()
			if c.logLevel != "" {
				c.cfg.LogLevel = c.logLevel
			}
			c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: c.cfg.SlogLevel()}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error); defaults to LOG_LEVEL")

	rootCmd.AddCommand(
		newPublishCmd(c),
		newContestsCmd(c),
		newTokenCmd(c),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "notifyctl version %s\n", version)
			fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// openInput returns stdin for "-" and the named file otherwise.
func openInput(path string) (*os.File, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}
