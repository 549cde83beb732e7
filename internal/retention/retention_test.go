package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/tuma/internal/config"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	purged  int64
	err     error
}

func (f *fakeStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.purged, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := &config.RetentionConfig{Enabled: true, Schedule: "not a cron expr"}
	if _, err := New(&fakeStore{}, cfg, testLogger()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNew_DefaultSchedule(t *testing.T) {
	cfg := &config.RetentionConfig{Enabled: true}
	if _, err := New(&fakeStore{}, cfg, testLogger()); err != nil {
		t.Fatalf("New() error: %v", err)
	}
}

func TestSweep_UsesMaxAgeCutoff(t *testing.T) {
	store := &fakeStore{purged: 3}
	cfg := &config.RetentionConfig{Enabled: true, MaxAgeDays: 7}
	s, err := New(store, cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	s.Sweep(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.cutoffs) != 1 {
		t.Fatalf("purge called %d times, want 1", len(store.cutoffs))
	}
	want := time.Now().Add(-7 * 24 * time.Hour)
	if diff := store.cutoffs[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want ~%v", store.cutoffs[0], want)
	}
}

func TestSweep_StoreErrorIsSwallowed(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	cfg := &config.RetentionConfig{Enabled: true}
	s, err := New(store, cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Must not panic or propagate.
	s.Sweep(context.Background())
}

func TestStart_StopsOnCancel(t *testing.T) {
	cfg := &config.RetentionConfig{Enabled: true}
	s, err := New(&fakeStore{}, cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	stop := s.Start(context.Background())
	stop() // should terminate the loop without hanging the test
}
