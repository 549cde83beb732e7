package httpapi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jkaninda/tuma/internal/deploy"
	"github.com/jkaninda/tuma/internal/ratelimit"
	"github.com/jkaninda/tuma/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRunner returns a canned outcome and records the request it saw.
type stubRunner struct {
	out *deploy.Outcome
	req *deploy.Request
}

func (s *stubRunner) Run(_ context.Context, req *deploy.Request, _ ...deploy.RunOption) *deploy.Outcome {
	s.req = req
	return s.out
}

func successOutcome() *deploy.Outcome {
	return &deploy.Outcome{
		ID:        "dep-1",
		Endpoint:  "https://8000-sbx-1.example.dev",
		SandboxID: "sbx-1",
		Duration:  3 * time.Second,
	}
}

func TestStatusOf(t *testing.T) {
	if got := statusOf(successOutcome()); got != http.StatusOK {
		t.Fatalf("status = %d, want 200", got)
	}

	cases := []struct {
		class deploy.Class
		want  int
	}{
		{deploy.ClassClientInput, http.StatusBadRequest},
		{deploy.ClassCredential, http.StatusBadGateway},
		{deploy.ClassProvisioning, http.StatusInternalServerError},
		{deploy.ClassVerification, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		out := &deploy.Outcome{Err: &deploy.Error{Class: tc.class, Message: "boom"}}
		if got := statusOf(out); got != tc.want {
			t.Errorf("class %s: status = %d, want %d", tc.class, got, tc.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &storage.DeploymentRecord{
		ID:         "dep-2",
		Status:     "failed",
		ErrorClass: "provisioning",
		Stage:      "install",
		SandboxID:  "sbx-2",
		DurationMS: 1500,
		CreatedAt:  created,
	}

	got := summarize(rec)
	if got.ID != "dep-2" || got.Status != "failed" || got.Stage != "install" {
		t.Fatalf("unexpected summary: %+v", got)
	}
	if got.CreatedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("created_at = %q", got.CreatedAt)
	}
}

func TestDeriveClientID(t *testing.T) {
	a := deriveClientID("key-one")
	b := deriveClientID("key-one")
	c := deriveClientID("key-two")

	if a != b {
		t.Errorf("same key produced different IDs: %q vs %q", a, b)
	}
	if a == c {
		t.Error("distinct keys produced the same ID")
	}
	if len(a) != 8 {
		t.Errorf("ID length = %d, want 8", len(a))
	}
	if a == "key-one" {
		t.Error("client ID must not be the raw key")
	}
}

func TestAuthenticateStream(t *testing.T) {
	g := NewGateway(Config{APIKeys: []string{"secret-token"}}, &stubRunner{}, nil, testLogger())

	r := httptest.NewRequest(http.MethodGet, "/v1/deployments/stream?token=secret-token", nil)
	if id, ok := g.authenticateStream(r); !ok || id == "" {
		t.Fatal("query token should authenticate")
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/deployments/stream", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	if _, ok := g.authenticateStream(r); !ok {
		t.Fatal("bearer token should authenticate")
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/deployments/stream?token=wrong", nil)
	if _, ok := g.authenticateStream(r); ok {
		t.Fatal("wrong token should be rejected")
	}

	r = httptest.NewRequest(http.MethodGet, "/v1/deployments/stream", nil)
	if _, ok := g.authenticateStream(r); ok {
		t.Fatal("missing token should be rejected")
	}
}

func TestAuthenticateStream_AuthDisabled(t *testing.T) {
	g := NewGateway(Config{}, &stubRunner{}, nil, testLogger())

	r := httptest.NewRequest(http.MethodGet, "/v1/deployments/stream", nil)
	id, ok := g.authenticateStream(r)
	if !ok || id != "anonymous" {
		t.Fatalf("auth disabled: got (%q, %v)", id, ok)
	}
}

func TestHandleStream_Unauthorized(t *testing.T) {
	g := NewGateway(Config{APIKeys: []string{"secret"}}, &stubRunner{out: successOutcome()}, nil, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(g.handleStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleStream_RateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1})
	if err := limiter.Allow(deriveClientID("secret")); err != nil {
		t.Fatalf("priming the bucket: %v", err)
	}

	g := NewGateway(Config{APIKeys: []string{"secret"}}, &stubRunner{out: successOutcome()}, limiter, testLogger())

	srv := httptest.NewServer(http.HandlerFunc(g.handleStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?token=secret")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
}

// fakeHistory implements History in memory.
type fakeHistory struct {
	saved []*storage.DeploymentRecord
}

func (f *fakeHistory) Save(_ context.Context, rec *storage.DeploymentRecord) error {
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeHistory) Get(_ context.Context, id string) (*storage.DeploymentRecord, error) {
	for _, rec := range f.saved {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeHistory) List(_ context.Context, _ int) ([]*storage.DeploymentRecord, error) {
	return f.saved, nil
}

func TestRecordPersistsOutcome(t *testing.T) {
	h := &fakeHistory{}
	g := NewGateway(Config{}, &stubRunner{}, nil, testLogger()).WithHistory(h)

	g.record(context.Background(), successOutcome())

	if len(h.saved) != 1 {
		t.Fatalf("saved %d records, want 1", len(h.saved))
	}
	if h.saved[0].ID != "dep-1" || h.saved[0].Status != "succeeded" {
		t.Fatalf("unexpected record: %+v", h.saved[0])
	}
}

func TestRecordWithoutHistoryIsNoop(t *testing.T) {
	g := NewGateway(Config{}, &stubRunner{}, nil, testLogger())
	g.record(context.Background(), successOutcome()) // must not panic
}
