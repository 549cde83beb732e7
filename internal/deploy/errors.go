package deploy

import (
	"errors"
	"fmt"
	"net/http"
)

// Class categorizes deployment failures for callers. The class decides
// whether cleanup runs (a sandbox only exists after allocation) and how the
// gateway maps the failure to an HTTP status.
type Class string

const (
	// ClassClientInput — the request itself is invalid (missing entry
	// point). Surfaced before any remote call; no sandbox is allocated.
	ClassClientInput Class = "client_input"

	// ClassCredential — a required secret is absent or the provider
	// rejected the allocation. No sandbox exists, nothing to clean up.
	ClassCredential Class = "credential"

	// ClassProvisioning — any failure between workspace layout and launch.
	// A sandbox exists and is torn down by the cleanup coordinator.
	ClassProvisioning Class = "provisioning"

	// ClassVerification — the liveness chain exhausted its retry budget.
	// Distinct from provisioning: the server may be running but unreachable.
	ClassVerification Class = "verification"

	// ClassCleanup — secondary failure while releasing resources. Logged
	// only; never replaces the primary error in the outcome.
	ClassCleanup Class = "cleanup"
)

// HTTPStatus maps an error class to the status the gateway responds with.
func (c Class) HTTPStatus() int {
	switch c {
	case ClassClientInput:
		return http.StatusBadRequest
	case ClassCredential:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified deployment failure.
type Error struct {
	Class   Class
	Stage   string // stage name where the failure occurred, empty for input validation
	Message string // safe to display to the caller
	Err     error  // underlying cause, may carry transport detail
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, stage, format string, args ...any) *Error {
	return &Error{Class: class, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

func wrapError(class Class, stage string, err error, format string, args ...any) *Error {
	return &Error{Class: class, Stage: stage, Message: fmt.Sprintf(format, args...), Err: err}
}

// asError returns err as *Error, classifying unknown errors as provisioning
// failures in the given stage.
func asError(err error, stage string) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Class: ClassProvisioning, Stage: stage, Message: err.Error(), Err: err}
}
