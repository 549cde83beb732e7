package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/tuma/internal/sandbox"
)

// cleanupTimeout bounds the whole teardown. Cleanup uses a fresh context
// so it still runs when the run's context is already cancelled.
const cleanupTimeout = 30 * time.Second

// cleanup tears down a failed run's sandbox: stop the server process if one
// was recorded, then release the sandbox. Runs at most once per run. Every
// step is best-effort; secondary failures are logged, never propagated, so
// the primary error reaches the caller intact.
func (p *Pipeline) cleanup(rc *runContext) {
	if rc.cleaned || rc.sbx == nil {
		return
	}
	rc.cleaned = true

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	pidFile := p.cfg.Profile.WorkspaceDir + "/server.pid"
	stop := fmt.Sprintf("[ -f %s ] && kill $(cat %s) 2>/dev/null; true", pidFile, pidFile)
	if _, err := rc.sbx.RunCommand(ctx, stop, sandbox.RunOptions{Timeout: 10 * time.Second}); err != nil {
		p.logger.Warn("cleanup: stopping server process failed",
			slog.String("deployment_id", rc.id),
			slog.String("sandbox_id", rc.sbx.ID()),
			slog.String("error", err.Error()),
		)
	}

	if err := rc.sbx.Kill(ctx); err != nil {
		p.logger.Error("cleanup: sandbox release failed",
			slog.String("deployment_id", rc.id),
			slog.String("sandbox_id", rc.sbx.ID()),
			slog.String("class", string(ClassCleanup)),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Info("sandbox released",
		slog.String("deployment_id", rc.id),
		slog.String("sandbox_id", rc.sbx.ID()),
	)
}
