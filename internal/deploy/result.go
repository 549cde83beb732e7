package deploy

import (
	"fmt"
	"strings"
	"time"
)

// StageLog records the captured output of one pipeline stage.
type StageLog struct {
	Stage    string `json:"stage"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Outcome is the terminal artifact of one pipeline run. Exactly one of
// Endpoint (success) or Err (failure) is set.
type Outcome struct {
	ID        string
	Endpoint  string // https URL of the deployed server, empty on failure
	SandboxID string
	Duration  time.Duration
	Logs      []StageLog
	Err       *Error // nil on success
}

// Succeeded reports whether the pipeline completed all stages.
func (o *Outcome) Succeeded() bool { return o.Err == nil }

// ExecutionDetails is the diagnostic block of a successful deployment
// response.
type ExecutionDetails struct {
	Stdout    []string `json:"stdout"`
	Stderr    []string `json:"stderr"`
	ExitCode  int      `json:"exitCode"`
	Status    string   `json:"status"`
	Duration  int64    `json:"duration"`
	ServerURL string   `json:"serverUrl"`
}

// SuccessResponse is the client-visible shape of a successful deployment.
type SuccessResponse struct {
	Output           string           `json:"output"`
	Error            *string          `json:"error"` // always null
	ExecutionTimeMS  int64            `json:"executionTime"`
	ExecutionDetails ExecutionDetails `json:"executionDetails"`
	OpenURL          string           `json:"openUrl"`
	ShowOpenLink     bool             `json:"showOpenLink"`
	LinkText         string           `json:"linkText"`
}

// Diagnostic optionally enriches a failure response with structured detail.
type Diagnostic struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// FailureResponse is the client-visible shape of a failed deployment.
// Error carries a display-safe message, never a raw transport stack trace.
type FailureResponse struct {
	Error           string      `json:"error"`
	ExecutionTimeMS int64       `json:"executionTime"`
	Diagnostic      *Diagnostic `json:"diagnostic,omitempty"`
}

// Format converts an outcome into the client-visible response shape.
func Format(o *Outcome) any {
	if o.Succeeded() {
		return formatSuccess(o)
	}
	return formatFailure(o)
}

func formatSuccess(o *Outcome) SuccessResponse {
	var stdout, stderr []string
	for _, l := range o.Logs {
		if l.Stdout != "" {
			stdout = append(stdout, l.Stdout)
		}
		if l.Stderr != "" {
			stderr = append(stderr, l.Stderr)
		}
	}
	ms := o.Duration.Milliseconds()
	return SuccessResponse{
		Output:          fmt.Sprintf("Agent deployed and serving at %s", o.Endpoint),
		Error:           nil,
		ExecutionTimeMS: ms,
		ExecutionDetails: ExecutionDetails{
			Stdout:    stdout,
			Stderr:    stderr,
			ExitCode:  0,
			Status:    "running",
			Duration:  ms,
			ServerURL: o.Endpoint,
		},
		OpenURL:      o.Endpoint,
		ShowOpenLink: true,
		LinkText:     "Open agent",
	}
}

func formatFailure(o *Outcome) FailureResponse {
	resp := FailureResponse{
		Error:           o.Err.Message,
		ExecutionTimeMS: o.Duration.Milliseconds(),
	}
	if o.Err.Err != nil {
		resp.Diagnostic = &Diagnostic{
			Name:    o.Err.Stage,
			Message: o.Err.Err.Error(),
			Code:    string(o.Err.Class),
		}
	}
	return resp
}

// tail returns the last n lines of s, for compact failure diagnostics.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
