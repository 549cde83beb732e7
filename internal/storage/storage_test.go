package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/deploy"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuma.db")
	s, err := Open(nil, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &DeploymentRecord{
		ID:         "d-1",
		Status:     "succeeded",
		Endpoint:   "https://8000-sb-1.example.dev",
		SandboxID:  "sb-1",
		DurationMS: 4200,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Get(ctx, "d-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Endpoint != rec.Endpoint {
		t.Errorf("endpoint = %q, want %q", got.Endpoint, rec.Endpoint)
	}
	if got.Status != "succeeded" {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v, want record not found", err)
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &DeploymentRecord{ID: "d-old", Status: "failed", CreatedAt: time.Now().Add(-time.Hour)}
	recent := &DeploymentRecord{ID: "d-new", Status: "succeeded", CreatedAt: time.Now()}
	for _, r := range []*DeploymentRecord{old, recent} {
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}

	recs, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "d-new" {
		t.Errorf("first record = %q, want d-new", recs[0].ID)
	}
}

func TestStore_PurgeOlderThan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := &DeploymentRecord{ID: "d-stale", Status: "failed", CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &DeploymentRecord{ID: "d-fresh", Status: "succeeded", CreatedAt: time.Now()}
	for _, r := range []*DeploymentRecord{stale, fresh} {
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save() error: %v", err)
		}
	}

	n, err := s.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan() error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}
	if _, err := s.Get(ctx, "d-stale"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Error("stale record should be gone")
	}
	if _, err := s.Get(ctx, "d-fresh"); err != nil {
		t.Errorf("fresh record should remain: %v", err)
	}
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestRecordFromOutcome_Success(t *testing.T) {
	out := &deploy.Outcome{
		ID:        "d-ok",
		Endpoint:  "https://8000-sb.example.dev",
		SandboxID: "sb",
		Duration:  2 * time.Second,
		Logs: []deploy.StageLog{
			{Stage: "install", Stdout: "Successfully installed"},
		},
	}
	rec := RecordFromOutcome(out)
	if rec.Status != "succeeded" || rec.ErrorClass != "" {
		t.Errorf("record = %+v, want succeeded", rec)
	}
	if rec.DurationMS != 2000 {
		t.Errorf("duration = %d, want 2000", rec.DurationMS)
	}
	if rec.Log == "" {
		t.Error("stage output should be flattened into the log")
	}
}

func TestRecordFromOutcome_Failure(t *testing.T) {
	out := &deploy.Outcome{
		ID:       "d-bad",
		Duration: time.Second,
		Err: &deploy.Error{
			Class:   deploy.ClassVerification,
			Stage:   "verify",
			Message: "server not reachable",
		},
	}
	rec := RecordFromOutcome(out)
	if rec.Status != "failed" {
		t.Errorf("status = %q, want failed", rec.Status)
	}
	if rec.ErrorClass != "verification" || rec.Stage != "verify" {
		t.Errorf("record = %+v, want verification/verify", rec)
	}
}

// Open with an unknown driver must fail rather than silently defaulting.
func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(&config.StorageConfig{Driver: "oracle"}, filepath.Join(t.TempDir(), "x.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
