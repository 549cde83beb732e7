package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/deploy"
	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/sandbox"
	"github.com/jkaninda/tuma/internal/secrets"
	"github.com/jkaninda/tuma/internal/storage"
)

// SharedComponents holds the initialized subsystems that both server and
// one-shot deploy modes require. Built once by initShared, torn down by
// Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability // nil = observability disabled.
	Provider sandbox.Provider
	Pipeline *deploy.Pipeline
	Store    *storage.Store // nil only when storage is explicitly disabled.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between server and
// one-shot modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, withStore bool) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Deployment history store.
	if withStore {
		store, err := storage.Open(cfg.Storage, cfg.DatabasePath(), logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing storage", slog.String("error", err.Error()))
			}
		})
		logger.Debug("storage initialized",
			slog.String("driver", cfg.StorageDriverName()),
		)

		if obs != nil && obs.Health != nil && cfg.Observability != nil &&
			cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
	}

	// Resolve credential references (env:// and file:// values) before the
	// pipeline ever sees them. Literal values pass through untouched.
	resolver := secrets.NewCompositeProvider(secrets.NewEnvProvider(), secrets.NewFileProvider())
	creds, err := secrets.ResolveMap(context.Background(), resolver, cfg.Credentials.Map())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}

	// Sandbox provider, instrumented when observability is on.
	var provider sandbox.Provider = sandbox.NewHTTPProvider(sandbox.HTTPConfig{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Domain:  cfg.Provider.Domain,
	}, logger)
	if obs != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.Tracer)
	}
	sc.Provider = provider

	// Deployment pipeline.
	pipeline := deploy.New(provider, deploy.Config{
		Profile: deploy.Profile{
			WorkspaceDir: cfg.Deploy.WorkspaceDir,
			Template:     cfg.Provider.Template,
			Root:         cfg.Deploy.Root,
		},
		Port:             cfg.Deploy.Port,
		FrameworkPackage: cfg.Deploy.FrameworkPackage,
		ServeCommand:     cfg.Deploy.ServeCommand,
		PythonVersion:    cfg.Deploy.PythonVersion,
		Credentials:      creds,
		AllocTimeout:     cfg.Deploy.AllocTimeout(),
		LaunchTimeout:    cfg.Deploy.LaunchTimeout(),
		InstallTimeout:   cfg.Deploy.InstallTimeout(),
		VerifyAttempts:   cfg.Deploy.VerifyAttempts,
		VerifyInterval:   cfg.Deploy.VerifyInterval(),
	}, logger)
	if obs != nil {
		if obs.Metrics != nil {
			pipeline.WithMetrics(obs.Metrics)
		}
		if ts := obs.TracerOrNil(); ts != nil {
			pipeline.WithTracer(ts.Tracer())
		}
	}
	sc.Pipeline = pipeline

	return sc, nil
}
