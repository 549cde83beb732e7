package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(HTTPConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Domain:  "sandbox.test",
	}, testLogger())
}

func TestHTTPProvider_Create(t *testing.T) {
	var gotReq createRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandboxes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("api key = %q, want %q", got, "test-key")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(createResponse{SandboxID: "sbx-123"})
	})

	sbx, err := p.Create(context.Background(), CreateOptions{
		Template: "base",
		Timeout:  5 * time.Minute,
		Env:      map[string]string{"GOOGLE_API_KEY": "secret"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sbx.ID() != "sbx-123" {
		t.Errorf("sandbox ID = %q, want %q", sbx.ID(), "sbx-123")
	}
	if gotReq.TimeoutSeconds != 300 {
		t.Errorf("timeout = %d, want 300", gotReq.TimeoutSeconds)
	}
	if gotReq.EnvVars["GOOGLE_API_KEY"] != "secret" {
		t.Errorf("env not forwarded: %v", gotReq.EnvVars)
	}
}

func TestHTTPProvider_CreateRejected(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"invalid api key"}`, http.StatusUnauthorized)
	})

	_, err := p.Create(context.Background(), CreateOptions{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T, want *TransportError", err)
	}
	if te.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", te.StatusCode)
	}
	if te.Op != "create" {
		t.Errorf("op = %q, want create", te.Op)
	}
}

func TestHTTPSandbox_RunCommand(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sandboxes":
			_ = json.NewEncoder(w).Encode(createResponse{SandboxID: "sbx-1"})
		case "/sandboxes/sbx-1/exec":
			var req execRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Command != "echo hello" {
				t.Errorf("command = %q", req.Command)
			}
			_ = json.NewEncoder(w).Encode(execResponse{Stdout: "hello\n", ExitCode: 0})
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})

	sbx, err := p.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := sbx.RunCommand(context.Background(), "echo hello", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Ok() {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestHTTPSandbox_NonZeroExitIsNotError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sandboxes":
			_ = json.NewEncoder(w).Encode(createResponse{SandboxID: "sbx-1"})
		default:
			_ = json.NewEncoder(w).Encode(execResponse{Stderr: "boom", ExitCode: 3})
		}
	})

	sbx, _ := p.Create(context.Background(), CreateOptions{})
	res, err := sbx.RunCommand(context.Background(), "false", RunOptions{})
	if err != nil {
		t.Fatalf("non-zero exit must not be a transport error: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "boom" {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPSandbox_Hostname(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(createResponse{SandboxID: "sbx-9"})
	})
	sbx, _ := p.Create(context.Background(), CreateOptions{})

	host, err := sbx.Hostname(context.Background(), 8000)
	if err != nil {
		t.Fatalf("hostname: %v", err)
	}
	if host != "8000-sbx-9.sandbox.test" {
		t.Errorf("hostname = %q", host)
	}
}

func TestHTTPSandbox_Kill(t *testing.T) {
	killed := false
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sandboxes":
			_ = json.NewEncoder(w).Encode(createResponse{SandboxID: "sbx-1"})
		case r.Method == http.MethodDelete && r.URL.Path == "/sandboxes/sbx-1":
			killed = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	sbx, _ := p.Create(context.Background(), CreateOptions{})
	if err := sbx.Kill(context.Background()); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !killed {
		t.Error("DELETE was not issued")
	}
}
