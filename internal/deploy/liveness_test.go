package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/tuma/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// probeRunner scripts command results by substring match. Commands with no
// matching rule succeed with exit 0. A nil result with a non-nil err
// simulates a transport failure.
type probeRunner struct {
	rules    []probeRule
	commands []string
}

type probeRule struct {
	match    string
	exitCode int
	stderr   string
	err      error
}

func (r *probeRunner) RunCommand(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	r.commands = append(r.commands, cmd)
	for _, rule := range r.rules {
		if strings.Contains(cmd, rule.match) {
			if rule.err != nil {
				return nil, rule.err
			}
			return &sandbox.CommandResult{ExitCode: rule.exitCode, Stderr: rule.stderr}, nil
		}
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func (r *probeRunner) ran(substr string) bool {
	for _, cmd := range r.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

func TestVerifier_FirstProbeDecides(t *testing.T) {
	runner := &probeRunner{} // everything succeeds
	v := NewVerifier("adk api_server", testLogger())

	if got := v.Check(context.Background(), runner, 8000); got != Positive {
		t.Fatalf("result = %v, want positive", got)
	}
	if runner.ran("curl") {
		t.Error("http probe should not run once the socket probe decided")
	}
}

func TestVerifier_ToolUnavailableFallsThrough(t *testing.T) {
	runner := &probeRunner{rules: []probeRule{
		{match: "command -v ss", exitCode: 1},
		{match: "command -v curl", exitCode: 0},
		{match: "curl", exitCode: 0},
	}}

	var order []string
	v := NewVerifier("adk api_server", testLogger()).
		WithObserver(func(method string, result ProbeResult) {
			order = append(order, method+":"+result.String())
		})

	if got := v.Check(context.Background(), runner, 8000); got != Positive {
		t.Fatalf("result = %v, want positive", got)
	}
	if len(order) != 2 || order[0] != "socket_table:inconclusive" || order[1] != "http:positive" {
		t.Errorf("probe order = %v, want socket inconclusive then http positive", order)
	}
}

func TestVerifier_NegativeDecidesWithoutFallthrough(t *testing.T) {
	runner := &probeRunner{rules: []probeRule{
		{match: "ss -ltn", exitCode: 1},
	}}
	v := NewVerifier("adk api_server", testLogger())

	if got := v.Check(context.Background(), runner, 8000); got != Negative {
		t.Fatalf("result = %v, want negative", got)
	}
	if runner.ran("curl") {
		t.Error("a negative socket probe must decide; http probe should not run")
	}
}

func TestVerifier_TransportErrorsAreInconclusive(t *testing.T) {
	runner := &probeRunner{rules: []probeRule{
		{match: "", err: errors.New("connection reset")},
	}}
	v := NewVerifier("adk api_server", testLogger())

	if got := v.Check(context.Background(), runner, 8000); got != Inconclusive {
		t.Fatalf("result = %v, want inconclusive when every probe hits transport errors", got)
	}
}

func TestHTTPProbe_ExitCodes(t *testing.T) {
	cases := []struct {
		exitCode int
		want     ProbeResult
	}{
		{0, Positive},
		{22, Positive}, // HTTP error status still proves the port answered
		{7, Negative},  // connection refused
		{6, Inconclusive},
		{28, Inconclusive},
	}
	for _, tc := range cases {
		// Match the request itself, not the "command -v curl" check.
		runner := &probeRunner{rules: []probeRule{
			{match: "curl -s", exitCode: tc.exitCode},
		}}
		if got := (httpProbe{}).Check(context.Background(), runner, 8000); got != tc.want {
			t.Errorf("curl exit %d: result = %v, want %v", tc.exitCode, got, tc.want)
		}
	}
}

func TestProcessProbe_DeadProcessIsNegative(t *testing.T) {
	// Match the search itself, not the "command -v pgrep" check.
	runner := &probeRunner{rules: []probeRule{
		{match: "pgrep -f", exitCode: 1},
	}}
	p := processProbe{pattern: "adk api_server", grace: time.Millisecond}

	if got := p.Check(context.Background(), runner, 8000); got != Negative {
		t.Fatalf("result = %v, want negative for dead process", got)
	}
}

func TestProcessProbe_LiveProcessWithInconclusiveRecheck(t *testing.T) {
	// pgrep finds the process; bash is missing so the TCP recheck cannot
	// run. The lenient probe accepts this as positive.
	runner := &probeRunner{rules: []probeRule{
		{match: "pgrep -f", exitCode: 0},
		{match: "command -v bash", exitCode: 1},
	}}
	p := processProbe{pattern: "adk api_server", grace: time.Millisecond}

	if got := p.Check(context.Background(), runner, 8000); got != Positive {
		t.Fatalf("result = %v, want positive for live process", got)
	}
}

func TestProcessProbe_RecheckRefusedIsNegative(t *testing.T) {
	runner := &probeRunner{rules: []probeRule{
		{match: "pgrep -f", exitCode: 0},
		{match: "/dev/tcp/", exitCode: 1},
	}}
	p := processProbe{pattern: "adk api_server", grace: time.Millisecond}

	if got := p.Check(context.Background(), runner, 8000); got != Negative {
		t.Fatalf("result = %v, want negative when the recheck is refused", got)
	}
}

// countingRunner flips from refused to listening after n socket probes.
type countingRunner struct {
	until int
	seen  int
}

func (r *countingRunner) RunCommand(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if strings.Contains(cmd, "ss -ltn") {
		r.seen++
		if r.seen <= r.until {
			return &sandbox.CommandResult{ExitCode: 1}, nil
		}
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}

func TestVerifier_WaitRetriesUntilPositive(t *testing.T) {
	runner := &countingRunner{until: 2}
	v := NewVerifier("adk api_server", testLogger())

	err := v.Wait(context.Background(), runner, 8000, 5, time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if runner.seen != 3 {
		t.Errorf("socket probe ran %d times, want 3", runner.seen)
	}
}

func TestVerifier_WaitExhaustsAttempts(t *testing.T) {
	runner := &probeRunner{rules: []probeRule{
		{match: "ss -ltn", exitCode: 1},
	}}
	v := NewVerifier("adk api_server", testLogger())

	err := v.Wait(context.Background(), runner, 8000, 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("error = %v, want attempt count", err)
	}
}

func TestVerifier_WaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := &probeRunner{rules: []probeRule{
		{match: "ss -ltn", exitCode: 1},
	}}
	v := NewVerifier("adk api_server", testLogger())

	err := v.Wait(ctx, runner, 8000, 10, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
