package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cpmentor/notification-service/internal/auth"
	"github.com/cpmentor/notification-service/internal/codeforces"
	"github.com/cpmentor/notification-service/internal/config"
	"github.com/cpmentor/notification-service/internal/db"
	"github.com/cpmentor/notification-service/internal/middleware"
	"github.com/cpmentor/notification-service/internal/notifications"
	"github.com/cpmentor/notification-service/internal/notifications/channels"
	"github.com/cpmentor/notification-service/internal/producer"
	"github.com/cpmentor/notification-service/internal/realtime"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// Background workers outlive the signal so the HTTP server drains first.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	// Database
	database, err := db.New(sigCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		return err
	}

	// Broker connections
	brokers, err := notifications.NewBrokers(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := brokers.Close(); err != nil {
			logger.Warn("closing broker connections", "error", err)
		}
	}()

	// Realtime push
	hub := realtime.NewHub(logger)
	go hub.Run(bgCtx)

	materializer := notifications.NewMaterializer(database.X, logger)
	var notifiers notifications.Notifiers
	if cfg.RedisURL != "" {
		relay, err := realtime.NewRedisRelay(cfg.RedisURL, hub, logger)
		if err != nil {
			return err
		}
		relay.WithBackoff(cfg.ReconnectBackoff)
		defer relay.Close()
		if err := relay.Ping(sigCtx); err != nil {
			logger.Warn("redis relay unreachable, pushes resume once it is back", "error", err)
		}
		go func() {
			if err := relay.Run(bgCtx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		notifiers = append(notifiers, relay)
	} else {
		notifiers = append(notifiers, hub)
	}

	// Contest broadcasts to community chat
	chs, err := channels.FromURLs(cfg.AnnounceSlackWebhookURL, cfg.AnnounceWebhookURL)
	if err != nil {
		return err
	}
	if announcer := channels.NewAnnouncer(logger, chs...); announcer.Enabled() {
		go announcer.Run(bgCtx)
		notifiers = append(notifiers, announcer)
		logger.Info("broadcast announcements enabled", "channels", len(chs))
	}
	materializer.SetNotifier(notifiers)

	// Consumer
	var extra []notifications.Binding
	if cfg.BindTaskCreated {
		extra = append(extra, notifications.TaskCreatedBinding)
	}
	consumer := notifications.NewConsumer(brokers.Consumer, materializer, notifications.ConsumerOptions{
		ReconnectBackoff: cfg.ReconnectBackoff,
		ExtraBindings:    extra,
		Logger:           logger,
	})
	consumer.Start(bgCtx)

	// Contest poller
	if cfg.ContestPollerEnabled {
		poller := codeforces.NewPoller(
			codeforces.NewClient(cfg.CodeforcesAPIURL),
			producer.NewContestEvents(brokers.Publisher, logger),
			cfg.ContestPollInterval,
			logger,
		)
		go poller.Run(bgCtx)
	}

	// HTTP
	limiter := middleware.NewRateLimiter(100, 200)
	defer limiter.Close()

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	handler := newRouter(routerDeps{
		cfg:        cfg,
		jwtService: jwtService,
		api:        notifications.NewHandlers(notifications.NewNotificationStore(database.X), notifications.NewContestStore(database.X)),
		ws:         realtime.NewWSHandler(hub, jwtService, cfg.AllowedOrigins),
		health:     healthHandler(consumer, hub),
		limiter:    limiter,
	})

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        handler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			consumer.Stop(cfg.ConsumerShutdownTimeout) //nolint:errcheck
			return err
		}
	case <-sigCtx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	if err := consumer.Stop(cfg.ConsumerShutdownTimeout); err != nil {
		logger.Warn("consumer stop", "error", err)
	}
	cancelBg()

	logger.Info("server stopped")
	return nil
}
