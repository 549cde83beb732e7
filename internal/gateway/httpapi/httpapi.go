// Package httpapi implements the HTTP API gateway for Tuma.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 5 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/tuma/internal/deploy"
	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/ratelimit"
	"github.com/jkaninda/tuma/internal/storage"
)

const defaultMaxRequestSize = 5 << 20 // 5 MB, agent sources are small

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Runner executes one deployment request to completion.
// *deploy.Pipeline is the production implementation.
type Runner interface {
	Run(ctx context.Context, req *deploy.Request, opts ...deploy.RunOption) *deploy.Outcome
}

// History persists and serves past deployment outcomes.
type History interface {
	Save(ctx context.Context, rec *storage.DeploymentRecord) error
	Get(ctx context.Context, id string) (*storage.DeploymentRecord, error)
	List(ctx context.Context, limit int) ([]*storage.DeploymentRecord, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Bearer tokens accepted by the API. Empty = auth disabled.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 5 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  Runner
	history History // nil = history endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux.
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway around a deployment runner.
func NewGateway(cfg Config, runner Runner, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithHistory attaches deployment history storage to the gateway.
func (g *Gateway) WithHistory(h History) *Gateway {
	g.history = h
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Tuma",
			Version: "v0.0.1",
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/deployments", g.handleDeploy,
		okapi.DocSummary("Deploy an agent to a fresh sandbox"),
		okapi.DocTags("Deployments"),
		okapi.DocRequestBody(deploy.Request{}),
		okapi.DocResponse(deploy.SuccessResponse{}),
		okapi.DocResponse(http.StatusBadRequest, deploy.FailureResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, deploy.FailureResponse{}),
	)

	// Streaming variant: stage events over WebSocket. Mounted on the raw
	// mux because the upgrade needs the underlying ResponseWriter; it does
	// its own token check.
	g.okapi.HandleStd("GET", "/v1/deployments/stream", g.handleStream)

	// History endpoints (only if a store is configured).
	if g.history != nil {
		g.group.Get("/deployments", g.handleDeploymentList,
			okapi.DocSummary("List recent deployments"),
			okapi.DocTags("Deployments"),
			okapi.DocResponse([]DeploymentSummary{}),
		)
		g.group.Get("/deployments/{id}", g.handleDeploymentGet,
			okapi.DocSummary("Get a deployment by ID"),
			okapi.DocTags("Deployments"),
			okapi.DocPathParam("id", "string", "Deployment ID (UUID)"),
			okapi.DocResponse(DeploymentDetail{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers.
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // deployments are long-running
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

func (g *Gateway) handleDeploy(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req deploy.Request
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()

	g.logger.Info("http deploy",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.Int("files", len(req.Files)),
	)

	out := g.runner.Run(c.Context(), &req)
	g.record(c.Context(), out)

	return c.JSON(statusOf(out), deploy.Format(out))
}

// DeploymentSummary is one entry of GET /v1/deployments.
type DeploymentSummary struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Stage      string `json:"stage,omitempty"`
	ErrorClass string `json:"error_class,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	SandboxID  string `json:"sandbox_id,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

// DeploymentDetail is the full record served by GET /v1/deployments/{id}.
type DeploymentDetail struct {
	DeploymentSummary
	Error string `json:"error,omitempty"`
	Log   string `json:"log,omitempty"`
}

func (g *Gateway) handleDeploymentList(c *okapi.Context) error {
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("invalid limit")
		}
		limit = n
	}

	recs, err := g.history.List(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing deployments failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing deployments failed")
	}

	resp := make([]DeploymentSummary, len(recs))
	for i, rec := range recs {
		resp[i] = summarize(rec)
	}
	return c.OK(resp)
}

func (g *Gateway) handleDeploymentGet(c *okapi.Context) error {
	id := c.Param("id")

	rec, err := g.history.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "deployment not found"})
		}
		g.logger.Error("fetching deployment failed",
			slog.String("deployment_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("fetching deployment failed")
	}

	return c.OK(DeploymentDetail{
		DeploymentSummary: summarize(rec),
		Error:             rec.Error,
		Log:               rec.Log,
	})
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the Bearer token against the configured API keys
// and derives a stable client ID from the matching key. An empty key list
// disables authentication.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("clientID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		clientID := ""
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				clientID = deriveClientID(key)
			}
		}
		if clientID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("clientID", clientID)
		return next(c)
	}
}

// --- Helpers ---

// record persists the outcome to history. Failures are logged, never
// surfaced: the deployment itself already succeeded or failed on its own.
func (g *Gateway) record(ctx context.Context, out *deploy.Outcome) {
	if g.history == nil {
		return
	}
	if err := g.history.Save(ctx, storage.RecordFromOutcome(out)); err != nil {
		g.logger.Error("saving deployment record failed",
			slog.String("deployment_id", out.ID),
			slog.String("error", err.Error()),
		)
	}
}

func statusOf(out *deploy.Outcome) int {
	if out.Succeeded() {
		return http.StatusOK
	}
	return out.Err.Class.HTTPStatus()
}

func summarize(rec *storage.DeploymentRecord) DeploymentSummary {
	return DeploymentSummary{
		ID:         rec.ID,
		Status:     rec.Status,
		Stage:      rec.Stage,
		ErrorClass: rec.ErrorClass,
		Endpoint:   rec.Endpoint,
		SandboxID:  rec.SandboxID,
		DurationMS: rec.DurationMS,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// deriveClientID maps an API key to a stable, non-reversible identifier
// safe for logs and rate limit bucketing.
func deriveClientID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
