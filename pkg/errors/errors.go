// Package errors defines common error types for the application.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the application.
const (
	CodeUnknown       = "UNKNOWN_ERROR"
	CodeDatabaseError = "DATABASE_ERROR"
	CodeUploadError   = "UPLOAD_ERROR"
	CodeDownloadError = "DOWNLOAD_ERROR"
	CodeAnalysisError = "ANALYSIS_ERROR"
	CodeEmptyFile     = "EMPTY_FILE"
	CodeParseError    = "PARSE_ERROR"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeTimeout       = "TIMEOUT_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeConfigError   = "CONFIG_ERROR"

	// Memhive runtime error codes.
	CodeClosedQueue       = "CLOSED_QUEUE"
	CodeWorkerStartFailed = "WORKER_START_FAILED"
	CodeWorkerCrashed     = "WORKER_CRASHED"
	CodeInvalidState      = "INVALID_STATE"
	CodeHostIncompatible  = "HOST_INCOMPATIBLE"
)

// AppError represents an application error with a code and message.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error instances.
var (
	ErrDatabaseError = New(CodeDatabaseError, "database error")
	ErrUploadError   = New(CodeUploadError, "upload error")
	ErrDownloadError = New(CodeDownloadError, "download error")
	ErrAnalysisError = New(CodeAnalysisError, "analysis error")
	ErrEmptyFile     = New(CodeEmptyFile, "empty file")
	ErrParseError    = New(CodeParseError, "parse error")
	ErrInvalidInput  = New(CodeInvalidInput, "invalid input")
	ErrTimeout       = New(CodeTimeout, "operation timeout")
	ErrNotFound      = New(CodeNotFound, "resource not found")
	ErrConfigError   = New(CodeConfigError, "configuration error")

	ErrClosedQueue       = New(CodeClosedQueue, "queue is closed")
	ErrWorkerStartFailed = New(CodeWorkerStartFailed, "worker failed to start")
	ErrWorkerCrashed     = New(CodeWorkerCrashed, "worker crashed")
	ErrInvalidState      = New(CodeInvalidState, "invalid state transition")
	ErrHostIncompatible  = New(CodeHostIncompatible, "host runtime is incompatible with this sub")
)

// IsClosedQueue checks if the error indicates a closed queue.
func IsClosedQueue(err error) bool {
	return errors.Is(err, ErrClosedQueue)
}

// MemhiveGroupError aggregates the errors raised by one or more workers,
// each tagged with the worker that raised it. It renders every member's
// class-qualified message so a caller sees every failure, not just the
// first.
type MemhiveGroupError struct {
	Errors []WorkerError
}

// WorkerError is a single worker's failure, captured with the exception
// class name the worker-side runtime reported so the parent can render
// a host-language-qualified message without needing the worker's type.
type WorkerError struct {
	WorkerID uint64
	ClassName string
	Message   string
	Cause     error
}

func (e WorkerError) Error() string {
	if e.ClassName != "" {
		return fmt.Sprintf("worker %d: %s: %s", e.WorkerID, e.ClassName, e.Message)
	}
	return fmt.Sprintf("worker %d: %s", e.WorkerID, e.Message)
}

func (e WorkerError) Unwrap() error { return e.Cause }

// Error renders every member error after a summary count: a single
// failure on the summary line itself, two or more one per line, matching
// spec.md's requirement that a MemhiveGroupError surface every
// contributing failure rather than collapsing to the first.
func (g *MemhiveGroupError) Error() string {
	if len(g.Errors) == 1 {
		return fmt.Sprintf("memhive: 1 worker failed: %s", g.Errors[0].Error())
	}
	msg := fmt.Sprintf("memhive: %d workers failed:", len(g.Errors))
	for _, e := range g.Errors {
		msg += "\n  - " + e.Error()
	}
	return msg
}

// Add appends a worker failure to the group.
func (g *MemhiveGroupError) Add(e WorkerError) {
	g.Errors = append(g.Errors, e)
}

// Empty reports whether the group carries no failures.
func (g *MemhiveGroupError) Empty() bool {
	return len(g.Errors) == 0
}

// AsError returns g as an error, or nil if it carries no failures, so
// callers can do `return group.AsError()` unconditionally.
func (g *MemhiveGroupError) AsError() error {
	if g.Empty() {
		return nil
	}
	return g
}

// IsDatabaseError checks if the error is a database error.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabaseError)
}

// IsUploadError checks if the error is an upload error.
func IsUploadError(err error) bool {
	return errors.Is(err, ErrUploadError)
}

// IsDownloadError checks if the error is a download error.
func IsDownloadError(err error) bool {
	return errors.Is(err, ErrDownloadError)
}

// IsAnalysisError checks if the error is an analysis error.
func IsAnalysisError(err error) bool {
	return errors.Is(err, ErrAnalysisError)
}

// IsEmptyFileError checks if the error is an empty file error.
func IsEmptyFileError(err error) bool {
	return errors.Is(err, ErrEmptyFile)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ErrorInfo provides error information mapping (compatible with Python version).
var ErrorInfo = map[string]string{
	"DatabaseError": CodeDatabaseError,
	"UploadError":   CodeUploadError,
	"DownloadError": CodeDownloadError,
	"AnalysisError": CodeAnalysisError,
	"EmptyFile":     CodeEmptyFile,
}
