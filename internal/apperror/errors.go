// Package apperror classifies errors produced by the execution core into
// a small set of kinds and maps each to an HTTP status for the operator
// API, so handlers never need to pattern-match error strings.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds consumed/produced by the core.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindGit        Kind = "git"
	KindSpawn      Kind = "spawn"
	KindRuntime    Kind = "runtime"
	KindCancelled  Kind = "cancelled"
)

// Sentinel errors for errors.Is matching across package boundaries.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid state transition")

	// Workspace Manager (C1)
	ErrInvalidPath       = errors.New("invalid path")
	ErrInvalidRepository = errors.New("invalid repository")
	ErrBranchExists      = errors.New("branch already exists")
	ErrBranchNotFound    = errors.New("branch not found")
	ErrMergeConflicts    = errors.New("merge conflicts")
	ErrRebaseConflicts   = errors.New("rebase conflicts")
	ErrWorkspaceMissing  = errors.New("workspace missing")

	// Executor Abstraction (C2) / Attempt Orchestrator (C5)
	ErrFollowUpUnsupported = errors.New("follow-up not supported by this executor")
	ErrNoPriorSession      = errors.New("no prior session to resume")
	ErrAttemptClosed       = errors.New("attempt is closed")

	// Process Runner (C3)
	ErrExecutableNotFound = errors.New("executable not found")
	ErrPermissionDenied   = errors.New("permission denied")
)

// AppError is a structured error carrying a Kind, an HTTP status, and an
// optional field set for validation errors.
type AppError struct {
	Kind    Kind
	Err     error
	Message string
	Status  int
	Fields  map[string]string
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *AppError) Unwrap() error { return e.Err }

func newErr(kind Kind, sentinel error, status int, format string, args ...interface{}) *AppError {
	return &AppError{
		Kind:    kind,
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
		Status:  status,
	}
}

func NotFound(format string, args ...interface{}) *AppError {
	return newErr(KindNotFound, ErrNotFound, http.StatusNotFound, format, args...)
}

func Validation(format string, args ...interface{}) *AppError {
	return newErr(KindValidation, ErrValidation, http.StatusBadRequest, format, args...)
}

func Conflict(format string, args ...interface{}) *AppError {
	return newErr(KindConflict, ErrConflict, http.StatusConflict, format, args...)
}

func Internal(format string, args ...interface{}) *AppError {
	return newErr(KindRuntime, ErrInternal, http.StatusInternalServerError, format, args...)
}

func Git(sentinel error, format string, args ...interface{}) *AppError {
	return newErr(KindGit, sentinel, http.StatusConflict, format, args...)
}

func Spawn(sentinel error, format string, args ...interface{}) *AppError {
	return newErr(KindSpawn, sentinel, http.StatusUnprocessableEntity, format, args...)
}

// Workspace reports a missing or otherwise unusable attempt worktree, e.g.
// one already removed by the monitor's merged-attempt cleanup pass.
func Workspace(sentinel error, format string, args ...interface{}) *AppError {
	return newErr(KindGit, sentinel, http.StatusGone, format, args...)
}

func Cancelled(format string, args ...interface{}) *AppError {
	return newErr(KindCancelled, nil, http.StatusOK, format, args...)
}

// HTTPStatus extracts the HTTP status code from an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, ErrBranchExists):
		return http.StatusConflict
	case errors.Is(err, ErrMergeConflicts), errors.Is(err, ErrRebaseConflicts):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from an error, defaulting to KindRuntime.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindRuntime
}
