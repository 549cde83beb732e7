package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultControlPlaneURL = "https://api.e2b.dev"
	defaultSandboxDomain   = "e2b.dev"
	defaultCreateTimeout   = 5 * time.Minute
	defaultExecTimeout     = 60 * time.Second
)

// HTTPConfig configures the HTTP-based sandbox provider client.
type HTTPConfig struct {
	BaseURL string // Control plane base URL. Empty = provider default.
	APIKey  string // Provider API key sent on every request.
	Domain  string // Public hostname suffix for exposed ports.
}

// HTTPProvider talks to an E2B-style sandbox control plane over REST.
// One Create call allocates one sandbox; all subsequent operations go
// through per-sandbox endpoints.
type HTTPProvider struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the HTTP provider.
type Option func(*HTTPProvider)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(p *HTTPProvider) { p.httpClient = hc }
}

// NewHTTPProvider creates a provider client for the given control plane.
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger, opts ...Option) *HTTPProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultControlPlaneURL
	}
	if cfg.Domain == "" {
		cfg.Domain = defaultSandboxDomain
	}
	p := &HTTPProvider{
		config:     cfg,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type createRequest struct {
	Template       string            `json:"templateID,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	SandboxID string `json:"sandboxID"`
	ClientID  string `json:"clientID"`
}

// Create allocates a new sandbox.
func (p *HTTPProvider) Create(ctx context.Context, opts CreateOptions) (Sandbox, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCreateTimeout
	}

	var resp createResponse
	err := p.do(ctx, http.MethodPost, "/sandboxes", "", "create", createRequest{
		Template:       opts.Template,
		TimeoutSeconds: int(timeout.Seconds()),
		EnvVars:        opts.Env,
		Metadata:       opts.Metadata,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SandboxID == "" {
		return nil, &TransportError{Op: "create", Err: fmt.Errorf("control plane returned empty sandbox ID")}
	}

	p.logger.InfoContext(ctx, "sandbox allocated",
		slog.String("sandbox_id", resp.SandboxID),
		slog.String("template", opts.Template),
		slog.Duration("timeout", timeout),
	)

	return &httpSandbox{provider: p, id: resp.SandboxID}, nil
}

// httpSandbox is one allocated sandbox driven through the control plane.
type httpSandbox struct {
	provider *HTTPProvider
	id       string
}

func (s *httpSandbox) ID() string { return s.id }

type execRequest struct {
	Command        string            `json:"command"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	EnvVars        map[string]string `json:"envVars,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// RunCommand executes a shell command in the sandbox and waits for it.
func (s *httpSandbox) RunCommand(ctx context.Context, cmd string, opts RunOptions) (*CommandResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}

	start := time.Now()
	var resp execResponse
	err := s.provider.do(ctx, http.MethodPost, "/sandboxes/"+s.id+"/exec", s.id, "exec", execRequest{
		Command:        cmd,
		TimeoutSeconds: int(timeout.Seconds()),
		EnvVars:        opts.Env,
		Cwd:            opts.Cwd,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &CommandResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFile writes content to an absolute path in the sandbox filesystem.
func (s *httpSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	return s.provider.do(ctx, http.MethodPut, "/sandboxes/"+s.id+"/files", s.id, "write_file", writeFileRequest{
		Path:    path,
		Content: string(content),
	}, nil)
}

// Hostname derives the public hostname for a port. Resolution is local —
// the control plane routes <port>-<sandboxID>.<domain> to the sandbox.
func (s *httpSandbox) Hostname(_ context.Context, port int) (string, error) {
	return fmt.Sprintf("%d-%s.%s", port, s.id, s.provider.config.Domain), nil
}

// Kill destroys the sandbox.
func (s *httpSandbox) Kill(ctx context.Context) error {
	err := s.provider.do(ctx, http.MethodDelete, "/sandboxes/"+s.id, s.id, "kill", nil, nil)
	if err == nil {
		s.provider.logger.InfoContext(ctx, "sandbox destroyed", slog.String("sandbox_id", s.id))
	}
	return err
}

// do performs one control-plane round-trip. Non-2xx responses and
// connection failures become *TransportError.
func (p *HTTPProvider) do(ctx context.Context, method, path, sandboxID, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, SandboxID: sandboxID, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, SandboxID: sandboxID, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Op:         op,
			SandboxID:  sandboxID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("control plane returned status %d: %s", resp.StatusCode, string(respBody)),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &TransportError{Op: op, SandboxID: sandboxID, StatusCode: resp.StatusCode, Err: fmt.Errorf("parsing response: %w", err)}
		}
	}
	return nil
}
