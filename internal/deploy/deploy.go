// Package deploy implements the one-shot agent deployment pipeline: allocate
// a remote sandbox, materialize the user's agent package, provision a Python
// runtime and the agent framework, launch the API server detached, verify it
// is reachable, and expose the public endpoint. Any stage failure routes
// through a single cleanup path that releases the sandbox.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/sandbox"
)

// EntryPointFile is the conventional file the agent framework's auto-
// discovery expects: it must define and export a root_agent object.
const EntryPointFile = "agent.py"

// packageDirName is the Python package directory the entry point lives in.
// The synthesized __init__.py re-exports root_agent from it, so discovery
// works regardless of how the request's files are shaped.
const packageDirName = "agent"

const (
	defaultWorkspaceDir     = "/home/user/agent-workspace"
	defaultPort             = 8000
	defaultFramework        = "google-adk"
	defaultPythonVersion    = "3.11"
	defaultCredentialKey    = "GOOGLE_API_KEY"
	defaultAllocTimeout     = 5 * time.Minute
	defaultLaunchTimeout    = 60 * time.Second
	defaultInstallTimeout   = 3 * time.Minute
	defaultVerifyAttempts   = 10
	defaultVerifyInterval   = 2 * time.Second
	defaultScriptAttempts   = 30
	defaultCommandTimeout   = 30 * time.Second
)

// initFile re-exports the entry symbol so the framework's package discovery
// finds it.
const initFile = `from .agent import root_agent

__all__ = ["root_agent"]
`

// Request is one deployment request: a mapping of relative file paths to
// file contents making up the agent package.
type Request struct {
	Files map[string]string `json:"files"`
}

// Validate checks the request before any remote call is made. All
// violations are client input errors: the pipeline is never invoked and no
// sandbox is allocated.
func (r *Request) Validate() error {
	if len(r.Files) == 0 {
		return newError(ClassClientInput, "", "no files provided")
	}
	entry, ok := r.Files[EntryPointFile]
	if !ok {
		return newError(ClassClientInput, "", "missing entry point file %q", EntryPointFile)
	}
	if strings.TrimSpace(entry) == "" {
		return newError(ClassClientInput, "", "entry point file %q is empty", EntryPointFile)
	}
	for name := range r.Files {
		if path.IsAbs(name) || strings.Contains(name, "..") {
			return newError(ClassClientInput, "", "invalid file path %q", name)
		}
	}
	return nil
}

// Profile parameterizes a deployment flavor: where the workspace lives,
// which provider template backs the sandbox, and whether commands run
// with elevated privileges.
type Profile struct {
	WorkspaceDir string // absolute path inside the sandbox
	Template     string // provider template/image name
	Root         bool   // prefix remote commands with sudo
}

// Config configures the pipeline. Zero values fall back to defaults; see
// the constants above.
type Config struct {
	Profile Profile

	Port             int               // internal port the server binds
	FrameworkPackage string            // pip package of the agent framework
	ServeCommand     string            // overrides the default serve command
	PythonVersion    string            // pinned interpreter, e.g. "3.11"
	Credentials      map[string]string // injected into the sandbox env and the credentials file
	RequiredCredential string          // credential key that must be present before allocation

	AllocTimeout   time.Duration // sandbox lifetime ceiling
	LaunchTimeout  time.Duration // startup script execution bound
	InstallTimeout time.Duration // dependency install bound
	VerifyAttempts int           // caller-side liveness retry budget
	VerifyInterval time.Duration // sleep between liveness attempts
	ScriptAttempts int           // in-script liveness loop iterations
}

func (c Config) withDefaults() Config {
	if c.Profile.WorkspaceDir == "" {
		c.Profile.WorkspaceDir = defaultWorkspaceDir
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.FrameworkPackage == "" {
		c.FrameworkPackage = defaultFramework
	}
	if c.PythonVersion == "" {
		c.PythonVersion = defaultPythonVersion
	}
	if c.RequiredCredential == "" {
		c.RequiredCredential = defaultCredentialKey
	}
	if c.AllocTimeout <= 0 {
		c.AllocTimeout = defaultAllocTimeout
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = defaultLaunchTimeout
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = defaultInstallTimeout
	}
	if c.VerifyAttempts <= 0 {
		c.VerifyAttempts = defaultVerifyAttempts
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = defaultVerifyInterval
	}
	if c.ScriptAttempts <= 0 {
		c.ScriptAttempts = defaultScriptAttempts
	}
	return c
}

// serveCommand returns the command that starts the agent API server.
func (c Config) serveCommand() string {
	if c.ServeCommand != "" {
		return c.ServeCommand
	}
	return fmt.Sprintf("adk api_server --host 0.0.0.0 --port %d", c.Port)
}

// processPattern is the command-line substring the process probe and the
// idempotent-restart kill match against.
func (c Config) processPattern() string {
	return "adk api_server"
}

// Event is one progress notification emitted while a pipeline runs.
type Event struct {
	DeploymentID string `json:"deployment_id"`
	Stage        string `json:"stage"`
	Status       string `json:"status"` // "started", "completed", "failed"
	Message      string `json:"message,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms"`
}

// EventSink receives progress events. Called synchronously from the
// pipeline goroutine; implementations must not block.
type EventSink func(Event)

// RunOption configures a single pipeline run.
type RunOption func(*runOptions)

type runOptions struct {
	sink EventSink
}

// WithEventSink streams stage progress to fn during the run.
func WithEventSink(fn EventSink) RunOption {
	return func(o *runOptions) { o.sink = fn }
}

// SinkFromOptions resolves the event sink configured by a set of run
// options. Returns nil when none is set. Alternative Runner
// implementations use this to honor WithEventSink.
func SinkFromOptions(opts ...RunOption) EventSink {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	return ro.sink
}

// Pipeline executes deployment requests against a sandbox provider.
// Safe for concurrent use: every run owns its own sandbox and context.
type Pipeline struct {
	provider sandbox.Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
}

// New creates a deployment pipeline.
func New(provider sandbox.Provider, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// WithMetrics attaches the metrics collector. Returns the pipeline.
func (p *Pipeline) WithMetrics(m *observability.MetricsCollector) *Pipeline {
	p.metrics = m
	return p
}

// WithTracer attaches an OTel tracer; each stage becomes a span.
func (p *Pipeline) WithTracer(t trace.Tracer) *Pipeline {
	p.tracer = t
	return p
}

// runContext is the mutable state of one pipeline run. Owned exclusively
// by that run; never shared.
type runContext struct {
	id       string
	start    time.Time
	sbx      sandbox.Sandbox
	logs     []StageLog
	endpoint string
	cleaned  bool
	sink     EventSink
}

func (rc *runContext) emit(stage, status, message string) {
	if rc.sink == nil {
		return
	}
	rc.sink(Event{
		DeploymentID: rc.id,
		Stage:        stage,
		Status:       status,
		Message:      message,
		ElapsedMS:    time.Since(rc.start).Milliseconds(),
	})
}

type stage struct {
	name string
	fn   func(ctx context.Context, rc *runContext, req *Request) error
}

// Run executes the full pipeline for one request and returns its terminal
// outcome. The request is validated before any remote call; a sandbox
// allocated by a failing run is always released before Run returns.
func (p *Pipeline) Run(ctx context.Context, req *Request, opts ...RunOption) *Outcome {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	rc := &runContext{
		id:    uuid.New().String(),
		start: time.Now(),
		sink:  ro.sink,
	}

	p.logger.InfoContext(ctx, "deployment started",
		slog.String("deployment_id", rc.id),
		slog.Int("files", len(req.Files)),
	)

	if err := req.Validate(); err != nil {
		return p.fail(rc, asError(err, ""))
	}

	if p.metrics != nil {
		p.metrics.ActiveDeployments.Inc()
		defer p.metrics.ActiveDeployments.Dec()
	}

	stages := []stage{
		{"allocate", p.stageAllocate},
		{"workspace", p.stageWorkspace},
		{"runtime", p.stageRuntime},
		{"install", p.stageInstall},
		{"configure", p.stageConfigure},
		{"launch", p.stageLaunch},
		{"verify", p.stageVerify},
		{"expose", p.stageExpose},
	}

	for _, st := range stages {
		rc.emit(st.name, "started", "")

		stageCtx := ctx
		var span trace.Span
		if p.tracer != nil {
			stageCtx, span = p.tracer.Start(ctx, "deploy."+st.name,
				trace.WithAttributes(attribute.String("deployment.id", rc.id)),
			)
		}

		stageStart := time.Now()
		err := st.fn(stageCtx, rc, req)
		elapsed := time.Since(stageStart)

		if p.metrics != nil {
			p.metrics.StageDuration.WithLabelValues(st.name).Observe(elapsed.Seconds())
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}

		if err != nil {
			de := asError(err, st.name)
			rc.emit(st.name, "failed", de.Message)
			p.logger.ErrorContext(ctx, "deployment stage failed",
				slog.String("deployment_id", rc.id),
				slog.String("stage", st.name),
				slog.String("class", string(de.Class)),
				slog.String("error", de.Message),
			)
			return p.fail(rc, de)
		}
		rc.emit(st.name, "completed", "")
	}

	outcome := &Outcome{
		ID:        rc.id,
		Endpoint:  rc.endpoint,
		SandboxID: rc.sbx.ID(),
		Duration:  time.Since(rc.start),
		Logs:      rc.logs,
	}
	if p.metrics != nil {
		p.metrics.DeploymentsTotal.WithLabelValues("succeeded", "ok").Inc()
	}
	p.logger.InfoContext(ctx, "deployment succeeded",
		slog.String("deployment_id", rc.id),
		slog.String("sandbox_id", outcome.SandboxID),
		slog.String("endpoint", outcome.Endpoint),
		slog.Duration("duration", outcome.Duration),
	)
	return outcome
}

// fail routes a classified failure through the cleanup coordinator and
// builds the failure outcome. The original error is never masked by
// cleanup-time secondary errors.
func (p *Pipeline) fail(rc *runContext, de *Error) *Outcome {
	if rc.sbx != nil {
		p.cleanup(rc)
	}
	if p.metrics != nil {
		p.metrics.DeploymentsTotal.WithLabelValues("failed", string(de.Class)).Inc()
	}
	out := &Outcome{
		ID:       rc.id,
		Duration: time.Since(rc.start),
		Logs:     rc.logs,
		Err:      de,
	}
	if rc.sbx != nil {
		out.SandboxID = rc.sbx.ID()
	}
	return out
}

// --- Stages ---

// stageAllocate requests a sandbox from the provider with the framework
// credentials seeded into its environment. Credentials are explicit
// configuration — the pipeline never reads ambient process environment.
func (p *Pipeline) stageAllocate(ctx context.Context, rc *runContext, _ *Request) error {
	if key := p.cfg.RequiredCredential; key != "" && p.cfg.Credentials[key] == "" {
		return newError(ClassCredential, "allocate", "required credential %s is not configured", key)
	}

	sbx, err := p.provider.Create(ctx, sandbox.CreateOptions{
		Template: p.cfg.Profile.Template,
		Timeout:  p.cfg.AllocTimeout,
		Env:      p.cfg.Credentials,
		Metadata: map[string]string{"deployment_id": rc.id},
	})
	if err != nil {
		return wrapError(ClassCredential, "allocate", err, "sandbox allocation rejected")
	}
	rc.sbx = sbx

	p.logger.DebugContext(ctx, "sandbox allocated",
		slog.String("deployment_id", rc.id),
		slog.String("sandbox_id", sbx.ID()),
	)
	return nil
}

// stageWorkspace lays out the agent package: a package directory under the
// workspace holding every request file plus a synthesized __init__.py that
// re-exports root_agent for framework discovery.
func (p *Pipeline) stageWorkspace(ctx context.Context, rc *runContext, req *Request) error {
	pkgDir := p.packageDir()

	res, err := p.runCommand(ctx, rc, "workspace", "mkdir -p "+pkgDir, sandbox.RunOptions{})
	if err != nil {
		return wrapError(ClassProvisioning, "workspace", err, "creating package directory")
	}
	if !res.Ok() {
		return newError(ClassProvisioning, "workspace", "creating package directory: %s", tail(res.Stderr, 5))
	}

	names := make([]string, 0, len(req.Files))
	for name := range req.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		target := path.Join(pkgDir, name)
		if err := rc.sbx.WriteFile(ctx, target, []byte(req.Files[name])); err != nil {
			return wrapError(ClassProvisioning, "workspace", err, "writing %s", name)
		}
	}

	if _, ok := req.Files["__init__.py"]; !ok {
		if err := rc.sbx.WriteFile(ctx, path.Join(pkgDir, "__init__.py"), []byte(initFile)); err != nil {
			return wrapError(ClassProvisioning, "workspace", err, "writing package initializer")
		}
	}
	return nil
}

// stageRuntime provisions an isolated Python environment. A missing pinned
// interpreter is tolerated (fall back to the default python3); a failed
// venv creation is fatal.
func (p *Pipeline) stageRuntime(ctx context.Context, rc *runContext, _ *Request) error {
	pinned := "python" + p.cfg.PythonVersion
	python := pinned

	res, err := p.runCommand(ctx, rc, "runtime", pinned+" --version", sandbox.RunOptions{})
	if err != nil || !res.Ok() {
		p.logger.WarnContext(ctx, "pinned interpreter unavailable, falling back",
			slog.String("deployment_id", rc.id),
			slog.String("pinned", pinned),
		)
		python = "python3"
	}

	venvCmd := fmt.Sprintf("%s -m venv %s/venv", python, p.cfg.Profile.WorkspaceDir)
	res, err = p.runCommand(ctx, rc, "runtime", venvCmd, sandbox.RunOptions{Timeout: time.Minute})
	if err != nil {
		return wrapError(ClassProvisioning, "runtime", err, "creating virtual environment")
	}
	if !res.Ok() {
		return newError(ClassProvisioning, "runtime", "creating virtual environment: %s", tail(res.Stderr, 10))
	}
	return nil
}

// stageInstall installs the agent framework into the virtual environment.
// Install output is captured for diagnostics regardless of outcome. The
// post-install confirmation is best-effort: its absence is a warning, not
// a failure.
func (p *Pipeline) stageInstall(ctx context.Context, rc *runContext, _ *Request) error {
	pip := p.cfg.Profile.WorkspaceDir + "/venv/bin/pip"

	res, err := p.runCommand(ctx, rc, "install",
		fmt.Sprintf("%s install %s", pip, p.cfg.FrameworkPackage),
		sandbox.RunOptions{Timeout: p.cfg.InstallTimeout})
	if err != nil {
		return wrapError(ClassProvisioning, "install", err, "installing %s", p.cfg.FrameworkPackage)
	}
	if !res.Ok() {
		return newError(ClassProvisioning, "install", "installing %s: %s",
			p.cfg.FrameworkPackage, tail(res.Stderr, 10))
	}

	pkgBase := strings.SplitN(p.cfg.FrameworkPackage, "==", 2)[0]
	confirm, err := p.runCommand(ctx, rc, "install",
		fmt.Sprintf("%s list --format=freeze | grep -i %s", pip, pkgBase),
		sandbox.RunOptions{})
	if err != nil || !confirm.Ok() {
		p.logger.WarnContext(ctx, "could not confirm framework install",
			slog.String("deployment_id", rc.id),
			slog.String("package", pkgBase),
		)
	}
	return nil
}

// stageConfigure writes the credentials file and the framework config file.
// Only the writes themselves can fail here; content correctness is the
// caller's responsibility.
func (p *Pipeline) stageConfigure(ctx context.Context, rc *runContext, _ *Request) error {
	keys := make([]string, 0, len(p.cfg.Credentials))
	for k := range p.cfg.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var env strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&env, "%s=%s\n", k, p.cfg.Credentials[k])
	}

	if err := rc.sbx.WriteFile(ctx, path.Join(p.packageDir(), ".env"), []byte(env.String())); err != nil {
		return wrapError(ClassProvisioning, "configure", err, "writing credentials file")
	}

	cfg, err := json.MarshalIndent(map[string]any{
		"app_name": packageDirName,
		"host":     "0.0.0.0",
		"port":     p.cfg.Port,
	}, "", "  ")
	if err != nil {
		return wrapError(ClassProvisioning, "configure", err, "encoding framework config")
	}
	if err := rc.sbx.WriteFile(ctx, p.cfg.Profile.WorkspaceDir+"/adk.config.json", cfg); err != nil {
		return wrapError(ClassProvisioning, "configure", err, "writing framework config")
	}
	return nil
}

// stageLaunch writes the startup script and executes it with the launch
// bound. The script detaches the server before exiting, so a zero exit
// means the server is up and will outlive the command.
func (p *Pipeline) stageLaunch(ctx context.Context, rc *runContext, _ *Request) error {
	ws := p.cfg.Profile.WorkspaceDir
	script, err := renderStartupScript(ws, p.cfg.Credentials, p.cfg.FrameworkPackage,
		p.cfg.serveCommand(), p.cfg.processPattern(), p.cfg.Port, p.cfg.ScriptAttempts)
	if err != nil {
		return wrapError(ClassProvisioning, "launch", err, "rendering startup script")
	}

	scriptPath := ws + "/start_server.sh"
	if err := rc.sbx.WriteFile(ctx, scriptPath, []byte(script)); err != nil {
		return wrapError(ClassProvisioning, "launch", err, "writing startup script")
	}
	if _, err := p.runCommand(ctx, rc, "launch", "chmod +x "+scriptPath, sandbox.RunOptions{}); err != nil {
		return wrapError(ClassProvisioning, "launch", err, "marking startup script executable")
	}

	res, err := p.runCommand(ctx, rc, "launch", "sh "+scriptPath,
		sandbox.RunOptions{Timeout: p.cfg.LaunchTimeout, Cwd: ws})
	if err != nil {
		return wrapError(ClassProvisioning, "launch", err, "running startup script")
	}
	if !res.Ok() {
		return newError(ClassProvisioning, "launch", "startup script exited %d: %s",
			res.ExitCode, tail(res.Stderr, 20))
	}
	return nil
}

// stageVerify re-checks liveness from the caller side with a bounded retry
// budget, using the same probe chain the startup script ran.
func (p *Pipeline) stageVerify(ctx context.Context, rc *runContext, _ *Request) error {
	verifier := NewVerifier(p.cfg.processPattern(), p.logger)
	if p.metrics != nil {
		verifier = verifier.WithObserver(func(method string, result ProbeResult) {
			p.metrics.ProbeAttempts.WithLabelValues(method, result.String()).Inc()
		})
	}

	err := verifier.Wait(ctx, rc.sbx, p.cfg.Port, p.cfg.VerifyAttempts, p.cfg.VerifyInterval)
	if err != nil {
		return wrapError(ClassVerification, "verify", err, "server not reachable on port %d", p.cfg.Port)
	}
	return nil
}

// stageExpose resolves the public hostname of the internal port.
// Reachability is not re-verified here — that is stage 7's job.
func (p *Pipeline) stageExpose(ctx context.Context, rc *runContext, _ *Request) error {
	host, err := rc.sbx.Hostname(ctx, p.cfg.Port)
	if err != nil {
		return wrapError(ClassProvisioning, "expose", err, "resolving public hostname")
	}
	rc.endpoint = "https://" + host
	return nil
}

// --- Helpers ---

func (p *Pipeline) packageDir() string {
	return path.Join(p.cfg.Profile.WorkspaceDir, packageDirName)
}

// runCommand executes a command in the run's sandbox, applying the
// profile's privilege setting and appending captured output to the stage
// logs.
func (p *Pipeline) runCommand(ctx context.Context, rc *runContext, stageName, cmd string, opts sandbox.RunOptions) (*sandbox.CommandResult, error) {
	if p.cfg.Profile.Root {
		cmd = "sudo " + cmd
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCommandTimeout
	}

	res, err := rc.sbx.RunCommand(ctx, cmd, opts)
	if err != nil {
		rc.logs = append(rc.logs, StageLog{Stage: stageName, Stderr: err.Error(), ExitCode: -1})
		return nil, err
	}
	rc.logs = append(rc.logs, StageLog{
		Stage:    stageName,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	})
	return res, nil
}
