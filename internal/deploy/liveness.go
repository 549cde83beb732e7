package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/tuma/internal/sandbox"
)

// ProbeResult is the tri-state outcome of one liveness probe.
type ProbeResult int

const (
	// Inconclusive — the probe could not produce a signal (tool missing,
	// transport failure). The chain moves on to the next probe.
	Inconclusive ProbeResult = iota
	// Positive — something is listening and responding on the port.
	Positive
	// Negative — the probe ran and found nothing on the port.
	Negative
)

func (r ProbeResult) String() string {
	switch r {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "inconclusive"
	}
}

// CommandRunner is the slice of the sandbox interface probes need.
// Satisfied by sandbox.Sandbox.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error)
}

// Probe is one method of deciding whether the server is reachable on a port.
type Probe interface {
	Name() string
	Check(ctx context.Context, runner CommandRunner, port int) ProbeResult
}

const probeTimeout = 10 * time.Second

// run executes a probe command, mapping transport failures to Inconclusive.
// The returned bool is false when no exit code could be obtained.
func runProbeCommand(ctx context.Context, runner CommandRunner, cmd string) (*sandbox.CommandResult, bool) {
	res, err := runner.RunCommand(ctx, cmd, sandbox.RunOptions{Timeout: probeTimeout})
	if err != nil {
		return nil, false
	}
	return res, true
}

// hasTool reports whether the named binary exists in the sandbox image.
// Any failure to check counts as "missing" — the probe stays inconclusive.
func hasTool(ctx context.Context, runner CommandRunner, tool string) bool {
	res, ok := runProbeCommand(ctx, runner, "command -v "+tool)
	return ok && res.Ok()
}

// socketProbe inspects the kernel socket table. Fastest method: no network
// round-trip inside the sandbox.
type socketProbe struct{}

func (socketProbe) Name() string { return "socket_table" }

func (socketProbe) Check(ctx context.Context, runner CommandRunner, port int) ProbeResult {
	if !hasTool(ctx, runner, "ss") {
		return Inconclusive
	}
	res, ok := runProbeCommand(ctx, runner, fmt.Sprintf("ss -ltn | grep -q ':%d '", port))
	if !ok {
		return Inconclusive
	}
	if res.Ok() {
		return Positive
	}
	return Negative
}

// httpProbe issues a local HTTP request. Any response code is positive —
// a 404 or 500 still proves the port is bound and speaking HTTP.
type httpProbe struct{}

func (httpProbe) Name() string { return "http" }

func (httpProbe) Check(ctx context.Context, runner CommandRunner, port int) ProbeResult {
	if !hasTool(ctx, runner, "curl") {
		return Inconclusive
	}
	res, ok := runProbeCommand(ctx, runner,
		fmt.Sprintf("curl -s -o /dev/null --max-time 3 http://localhost:%d/", port))
	if !ok {
		return Inconclusive
	}
	switch res.ExitCode {
	case 0, 22: // 22 = --fail with HTTP error; either way the port answered
		return Positive
	case 7: // connection refused
		return Negative
	default:
		return Inconclusive
	}
}

// tcpProbe opens and closes a raw TCP connection via bash's /dev/tcp.
// Lowest-level fallback when neither ss nor curl is present.
type tcpProbe struct{}

func (tcpProbe) Name() string { return "tcp_connect" }

func (tcpProbe) Check(ctx context.Context, runner CommandRunner, port int) ProbeResult {
	if !hasTool(ctx, runner, "bash") {
		return Inconclusive
	}
	res, ok := runProbeCommand(ctx, runner,
		fmt.Sprintf("timeout 3 bash -c '</dev/tcp/127.0.0.1/%d' 2>/dev/null", port))
	if !ok {
		return Inconclusive
	}
	if res.Ok() {
		return Positive
	}
	return Negative
}

// processProbe checks that a process matching the serve command is running,
// waits a short grace period, then re-runs the TCP probe. Deliberately
// lenient: when no network tool can confirm the port, a live process plus an
// inconclusive recheck is accepted as positive. This can report success
// before the port is actually bound — a known accuracy trade-off kept to
// avoid false negatives on minimal sandbox images.
type processProbe struct {
	pattern string        // substring of the expected command line
	grace   time.Duration // sleep before the TCP recheck
}

func (processProbe) Name() string { return "process" }

func (p processProbe) Check(ctx context.Context, runner CommandRunner, port int) ProbeResult {
	if !hasTool(ctx, runner, "pgrep") {
		return Inconclusive
	}
	res, ok := runProbeCommand(ctx, runner, fmt.Sprintf("pgrep -f %q", p.pattern))
	if !ok {
		return Inconclusive
	}
	if !res.Ok() {
		return Negative
	}

	grace := p.grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	select {
	case <-ctx.Done():
		return Inconclusive
	case <-time.After(grace):
	}

	switch (tcpProbe{}).Check(ctx, runner, port) {
	case Negative:
		return Negative
	default:
		// Positive, or inconclusive with a confirmed live process.
		return Positive
	}
}

// ProbeObserver is notified of every probe attempt, for metrics.
type ProbeObserver func(method string, result ProbeResult)

// Verifier decides whether the deployed server is reachable on its port by
// walking an ordered probe chain. Probes are tried in descending preference;
// each is consulted only while the previous ones stay inconclusive, so tool
// unavailability never reads as "not running".
type Verifier struct {
	probes   []Probe
	logger   *slog.Logger
	observer ProbeObserver
}

// NewVerifier builds the standard probe chain for the given serve command
// pattern: socket table, HTTP, raw TCP, then the lenient process check.
func NewVerifier(processPattern string, logger *slog.Logger) *Verifier {
	return &Verifier{
		probes: []Probe{
			socketProbe{},
			httpProbe{},
			tcpProbe{},
			processProbe{pattern: processPattern},
		},
		logger: logger,
	}
}

// WithObserver registers a probe attempt observer. Returns the verifier.
func (v *Verifier) WithObserver(fn ProbeObserver) *Verifier {
	v.observer = fn
	return v
}

// Check runs one pass over the chain: the first non-inconclusive probe
// decides. Exhausting the chain without a signal is inconclusive.
func (v *Verifier) Check(ctx context.Context, runner CommandRunner, port int) ProbeResult {
	for _, probe := range v.probes {
		result := probe.Check(ctx, runner, port)
		if v.observer != nil {
			v.observer(probe.Name(), result)
		}
		if result != Inconclusive {
			v.logger.DebugContext(ctx, "liveness probe decided",
				slog.String("method", probe.Name()),
				slog.String("result", result.String()),
				slog.Int("port", port),
			)
			return result
		}
	}
	return Inconclusive
}

// Wait retries Check at the given interval until a positive signal arrives
// or the attempt budget runs out. Negative and inconclusive passes both
// consume an attempt — the server may simply not be up yet.
func (v *Verifier) Wait(ctx context.Context, runner CommandRunner, port, attempts int, interval time.Duration) error {
	results := make([]string, 0, attempts)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		result := v.Check(ctx, runner, port)
		if result == Positive {
			return nil
		}
		results = append(results, result.String())
	}
	return fmt.Errorf("no liveness signal on port %d after %d attempts (%s)",
		port, attempts, strings.Join(results, ","))
}
