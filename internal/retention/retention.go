// Package retention prunes old deployment history on a cron schedule.
// It runs as a background goroutine in serve mode; when disabled, records
// are kept forever.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/tuma/internal/config"
)

// Store is the slice of the storage layer the sweeper needs.
type Store interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

const sweepTimeout = time.Minute

// Sweeper deletes deployment records older than the configured age.
type Sweeper struct {
	store    Store
	cfg      *config.RetentionConfig
	logger   *slog.Logger
	schedule cron.Schedule
}

// New creates a Sweeper, validating the cron expression up front.
func New(store Store, cfg *config.RetentionConfig, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", cfg.CronSchedule(), err)
	}
	return &Sweeper{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "retention sweeper started",
			slog.String("schedule", s.cfg.CronSchedule()),
			slog.Duration("max_age", s.cfg.MaxAge()),
		)

		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("retention sweeper stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep removes records older than the retention age. Safe to call directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.MaxAge())
	n, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "retention sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "retention sweep completed",
			slog.Int64("purged", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
