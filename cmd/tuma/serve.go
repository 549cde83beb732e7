package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/gateway/httpapi"
	"github.com/jkaninda/tuma/internal/ratelimit"
	"github.com/jkaninda/tuma/internal/retention"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deployment API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `tuma --config path` and `tuma serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Tuma in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("TUMA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting in server mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the retention sweeper (optional).
	if cfg.Retention != nil && cfg.Retention.Enabled {
		sweeper, err := retention.New(sc.Store, cfg.Retention, logger)
		if err != nil {
			return err
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
		logger.Debug("retention sweeper started",
			slog.String("schedule", cfg.Retention.CronSchedule()),
			slog.String("max_age", cfg.Retention.MaxAge().String()),
		)
	}

	limiter := buildLimiter(cfg.Server.RateLimit)

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr(),
		APIKeys:    cfg.Server.APIKeys,
	}
	if sc.Obs != nil {
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Pipeline, limiter, logger).
		WithHistory(sc.Store)

	// Run the gateway; wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return gw.Stop(shutdownCtx)
}

// buildLimiter returns nil unless rate limiting is configured and enabled.
// The gateway treats a nil limiter as "admit everything".
func buildLimiter(rl *config.RateLimitConfig) *ratelimit.Limiter {
	if rl == nil || !rl.Enabled {
		return nil
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: rl.PerMinute(),
		BurstSize:         rl.BurstSize(),
	})
}
