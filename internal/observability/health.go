package observability

import (
	"context"
	"log/slog"
	"time"
)

// Each dependency check gets its own deadline so one slow dependency
// (a wedged database ping) cannot starve the others out of the budget.
const perCheckTimeout = 3 * time.Second

// readinessCheck is a named dependency probe, e.g. the history database ping.
type readinessCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// HealthChecker backs the gateway's /healthz and /readyz endpoints.
// Liveness is unconditional; readiness aggregates the registered
// dependency checks. Checks are registered during startup wiring and
// only read afterwards, so no locking is needed.
type HealthChecker struct {
	checks []readinessCheck
	logger *slog.Logger
}

// HealthStatus is the JSON body of a health or readiness response.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // error text on failure
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness check. Not safe to call once the
// gateway is serving.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error) {
	h.checks = append(h.checks, readinessCheck{name: name, fn: fn})
}

// CheckHealth is liveness: the process answered, so it is "ok".
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered check and reports "ok" only when all
// pass. A failing dependency degrades readiness but is also logged, since
// load balancers drop the instance without surfacing the reason.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}
	if len(h.checks) == 0 {
		return status
	}

	status.Checks = make(map[string]CheckResult, len(h.checks))
	for _, c := range h.checks {
		result := h.runCheck(ctx, c)
		status.Checks[c.name] = result
		if result.Status != "ok" {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthChecker) runCheck(ctx context.Context, c readinessCheck) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, perCheckTimeout)
	defer cancel()

	if err := c.fn(checkCtx); err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error()}
	}
	return CheckResult{Status: "ok"}
}
