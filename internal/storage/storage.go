// Package storage persists deployment history using GORM. Two backends are
// supported: SQLite (default, zero-config, pure Go via glebarez/sqlite) and
// PostgreSQL. The running server never depends on these records — they are
// an audit trail of past runs, not sandbox state.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/deploy"
)

// ErrNotFound is returned by Get when no record matches the ID.
var ErrNotFound = gorm.ErrRecordNotFound

// DeploymentRecord is one row of deployment history.
type DeploymentRecord struct {
	ID         string    `gorm:"primaryKey;size:36"`
	Status     string    `gorm:"size:16;index"` // "succeeded" or "failed"
	ErrorClass string    `gorm:"size:32"`       // empty on success
	Error      string    // display-safe message, empty on success
	Stage      string    `gorm:"size:16"` // failing stage, empty on success
	Endpoint   string
	SandboxID  string        `gorm:"size:64"`
	DurationMS int64
	Log        string        `gorm:"type:text"` // concatenated stage output
	CreatedAt  time.Time     `gorm:"index"`
}

// TableName keeps the table name stable across backends.
func (DeploymentRecord) TableName() string { return "deployments" }

// RecordFromOutcome flattens a pipeline outcome into its history row.
func RecordFromOutcome(o *deploy.Outcome) *DeploymentRecord {
	rec := &DeploymentRecord{
		ID:         o.ID,
		Status:     "succeeded",
		Endpoint:   o.Endpoint,
		SandboxID:  o.SandboxID,
		DurationMS: o.Duration.Milliseconds(),
	}
	for _, l := range o.Logs {
		if l.Stdout != "" {
			rec.Log += fmt.Sprintf("[%s] %s\n", l.Stage, l.Stdout)
		}
		if l.Stderr != "" {
			rec.Log += fmt.Sprintf("[%s!] %s\n", l.Stage, l.Stderr)
		}
	}
	if o.Err != nil {
		rec.Status = "failed"
		rec.ErrorClass = string(o.Err.Class)
		rec.Error = o.Err.Message
		rec.Stage = o.Err.Stage
	}
	return rec
}

// Store persists and queries deployment history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured backend and runs AutoMigrate.
// defaultPath is the SQLite file used when no storage is configured.
func Open(cfg *config.StorageConfig, defaultPath string, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.StorageDriver() {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.Postgres.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		sqlDB, derr := db.DB()
		if derr != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", derr)
		}
		sqlDB.SetMaxOpenConns(pgMaxOpen(cfg.Postgres))
		sqlDB.SetMaxIdleConns(pgMaxIdle(cfg.Postgres))
		sqlDB.SetConnMaxLifetime(pgMaxLifetime(cfg.Postgres))

	case "sqlite":
		path := defaultPath
		journalMode := "wal"
		if cfg != nil && cfg.SQLite != nil {
			if cfg.SQLite.Path != "" {
				path = cfg.SQLite.Path
			}
			if cfg.SQLite.JournalMode != "" {
				journalMode = cfg.SQLite.JournalMode
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver())
	}

	if err := db.AutoMigrate(&DeploymentRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("storage opened", slog.String("driver", cfg.StorageDriver()))
	return &Store{db: db, logger: slogger}, nil
}

// Save inserts a deployment record.
func (s *Store) Save(ctx context.Context, rec *DeploymentRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("saving deployment %s: %w", rec.ID, err)
	}
	return nil
}

// Get fetches one deployment by ID. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*DeploymentRecord, error) {
	var rec DeploymentRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the most recent deployments, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []*DeploymentRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	return recs, nil
}

// PurgeOlderThan deletes records created before the cutoff and returns the
// number removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&DeploymentRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging deployments: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func pgMaxOpen(c *config.PostgresStorageConfig) int {
	if c != nil && c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func pgMaxIdle(c *config.PostgresStorageConfig) int {
	if c != nil && c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func pgMaxLifetime(c *config.PostgresStorageConfig) time.Duration {
	if c != nil && c.ConnMaxLifetimeS > 0 {
		return time.Duration(c.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
