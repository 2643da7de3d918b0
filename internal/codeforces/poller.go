package codeforces

import (
	"context"
	"log/slog"
	"time"

	"github.com/cpmentor/notification-service/internal/producer"
)

// ContestSource lists upcoming contests.
type ContestSource interface {
	UpcomingContests(ctx context.Context) ([]Contest, error)
}

// ContestPublisher announces one upcoming contest.
type ContestPublisher interface {
	PublishUpcoming(ctx context.Context, c producer.UpcomingContest) error
}

// Poller periodically fetches upcoming contests and publishes each one.
// Repeated announcements of the same contest are expected; the consumer
// side deduplicates by contest id.
type Poller struct {
	source    ContestSource
	publisher ContestPublisher
	interval  time.Duration
	logger    *slog.Logger
}

func NewPoller(source ContestSource, publisher ContestPublisher, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Poller{source: source, publisher: publisher, interval: interval, logger: logger}
}

// PollOnce fetches the current upcoming contests and publishes them,
// returning how many were published. It stops at the first publish error.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	contests, err := p.source.UpcomingContests(ctx)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, c := range contests {
		err := p.publisher.PublishUpcoming(ctx, producer.UpcomingContest{
			ID:              c.ID,
			Name:            c.Name,
			StartTime:       c.StartTime(),
			DurationSeconds: c.DurationSeconds,
			WebsiteURL:      c.URL(),
		})
		if err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("contest poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		n, err := p.PollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			p.logger.Info("contest poller stopped")
			return
		case err != nil:
			p.logger.Warn("contest poll failed, retrying next tick", "published", n, "error", err)
		default:
			p.logger.Info("contest poll complete", "published", n)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("contest poller stopped")
			return
		case <-ticker.C:
		}
	}
}
