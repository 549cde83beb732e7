package deploy

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// startupScript is the launcher executed inside the sandbox. It must leave
// the server running after its own exit: the serve process is started
// detached, its pid recorded, and the script only reports whether the
// server came up within the wait budget.
//
// The check_alive function mirrors the caller-side probe chain in
// liveness.go — same methods, same order — so the script and the pipeline
// agree on what "running" means.
const startupScript = `#!/bin/sh
set -u

WORKSPACE="{{.Workspace}}"
VENV="$WORKSPACE/venv"
LOG_FILE="$WORKSPACE/server.log"
PID_FILE="$WORKSPACE/server.pid"

check_alive() {
    if command -v ss >/dev/null 2>&1; then
        if ss -ltn | grep -q ":{{.Port}} "; then return 0; else return 1; fi
    fi
    if command -v curl >/dev/null 2>&1; then
        if curl -s -o /dev/null --max-time 3 "http://localhost:{{.Port}}/"; then return 0; else return 1; fi
    fi
    if command -v bash >/dev/null 2>&1; then
        if timeout 3 bash -c "</dev/tcp/127.0.0.1/{{.Port}}" 2>/dev/null; then return 0; else return 1; fi
    fi
    if command -v pgrep >/dev/null 2>&1; then
        if pgrep -f "{{.ProcessPattern}}" >/dev/null 2>&1; then
            sleep 2
            if command -v bash >/dev/null 2>&1; then
                if timeout 3 bash -c "</dev/tcp/127.0.0.1/{{.Port}}" 2>/dev/null; then return 0; else return 1; fi
            fi
            # No tool can confirm the port; a live process is accepted.
            return 0
        fi
    fi
    return 1
}

. "$VENV/bin/activate"
{{range .Exports}}export {{.}}
{{end}}
cd "$WORKSPACE"

if ! command -v adk >/dev/null 2>&1; then
    echo "adk CLI missing, reinstalling {{.Package}}" >>"$LOG_FILE"
    pip install {{.Package}} >>"$LOG_FILE" 2>&1 || true
fi
if ! command -v adk >/dev/null 2>&1; then
    echo "adk CLI not found after reinstall" >&2
    exit 1
fi

# Idempotent restart: a second launch must not collide with a stale server.
if [ -f "$PID_FILE" ]; then
    OLD_PID="$(cat "$PID_FILE" 2>/dev/null || true)"
    if [ -n "$OLD_PID" ]; then
        kill "$OLD_PID" 2>/dev/null || true
    fi
    rm -f "$PID_FILE"
fi
pkill -f "{{.ProcessPattern}}" 2>/dev/null || true
sleep 1

nohup {{.ServeCommand}} >"$LOG_FILE" 2>&1 </dev/null &
echo $! >"$PID_FILE"

ATTEMPT=0
while [ "$ATTEMPT" -lt {{.Attempts}} ]; do
    if check_alive; then
        echo "server listening on port {{.Port}} (pid $(cat "$PID_FILE"))"
        exit 0
    fi
    ATTEMPT=$((ATTEMPT+1))
    sleep 1
done

echo "server failed to come up on port {{.Port}}" >&2
tail -n 40 "$LOG_FILE" >&2 || true
exit 1
`

var startupTemplate = template.Must(template.New("startup").Parse(startupScript))

type scriptParams struct {
	Workspace      string
	Exports        []string // pre-quoted KEY='value' pairs
	Package        string
	ServeCommand   string
	ProcessPattern string
	Port           int
	Attempts       int
}

// renderStartupScript produces the launcher for the given deployment.
// Credentials are rendered as export lines in deterministic key order.
func renderStartupScript(workspace string, credentials map[string]string, pkg, serveCommand, processPattern string, port, attempts int) (string, error) {
	keys := make([]string, 0, len(credentials))
	for k := range credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	exports := make([]string, 0, len(keys))
	for _, k := range keys {
		exports = append(exports, fmt.Sprintf("%s=%s", k, shellQuote(credentials[k])))
	}

	var sb strings.Builder
	err := startupTemplate.Execute(&sb, scriptParams{
		Workspace:      workspace,
		Exports:        exports,
		Package:        pkg,
		ServeCommand:   serveCommand,
		ProcessPattern: processPattern,
		Port:           port,
		Attempts:       attempts,
	})
	if err != nil {
		return "", fmt.Errorf("rendering startup script: %w", err)
	}
	return sb.String(), nil
}

// shellQuote single-quotes s for safe interpolation into the script.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
