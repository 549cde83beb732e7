// Package sandbox defines the boundary to the remote sandbox provider.
// A provider allocates isolated, network-reachable execution environments;
// the deployment pipeline drives them through the Sandbox interface and
// never touches the provider's wire protocol directly.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Provider allocates sandboxes from a remote control plane.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Sandbox, error)
}

// CreateOptions configures a sandbox allocation request.
type CreateOptions struct {
	// Template is the provider-side image/template name. Empty = provider default.
	Template string

	// Timeout bounds the total sandbox lifetime. The provider kills the
	// sandbox when it elapses, regardless of what is running inside.
	Timeout time.Duration

	// Env is seeded into every command executed in the sandbox.
	Env map[string]string

	// Metadata is attached to the sandbox for provider-side bookkeeping.
	Metadata map[string]string
}

// Sandbox is one allocated remote execution environment.
// All calls are blocking round-trips to the provider. A non-zero command
// exit is NOT an error — errors signal transport or provider failures.
type Sandbox interface {
	// ID returns the provider-assigned sandbox identifier.
	ID() string

	// RunCommand executes a shell command inside the sandbox.
	RunCommand(ctx context.Context, cmd string, opts RunOptions) (*CommandResult, error)

	// WriteFile writes content to an absolute path inside the sandbox,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path string, content []byte) error

	// Hostname resolves the externally routable hostname for a port
	// bound inside the sandbox.
	Hostname(ctx context.Context, port int) (string, error)

	// Kill destroys the sandbox and releases its resources.
	Kill(ctx context.Context) error
}

// RunOptions constrains a single command execution.
type RunOptions struct {
	// Timeout overrides the provider default for this command. Zero = default.
	Timeout time.Duration

	// Env adds variables on top of the sandbox's seeded environment.
	Env map[string]string

	// Cwd sets the working directory. Empty = sandbox default.
	Cwd string
}

// CommandResult captures the outcome of one remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Ok reports whether the command exited zero.
func (r *CommandResult) Ok() bool { return r.ExitCode == 0 }

// TransportError wraps failures of the provider round-trip itself, as
// opposed to commands that ran and exited non-zero. Callers distinguish
// the two with errors.As.
type TransportError struct {
	Op         string // "create", "exec", "write_file", "kill"
	SandboxID  string // empty for create failures
	StatusCode int    // HTTP status, 0 on connection-level failures
	Err        error
}

func (e *TransportError) Error() string {
	if e.SandboxID == "" {
		return fmt.Sprintf("sandbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sandbox %s (%s): %v", e.Op, e.SandboxID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
