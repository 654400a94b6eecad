// Package fault carries coded errors. A code is the stable, machine-readable
// half of an error; it is the only part (with the message) allowed to cross
// the sandbox boundary or reach an HTTP client.
package fault

import (
	"errors"
	"fmt"
)

// Stable codes used across the core.
const (
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeHookTimeout         = "HOOK_TIMEOUT"
	CodeHookError           = "HOOK_ERROR"
	CodeSandboxReadyTimeout = "SANDBOX_READY_TIMEOUT"
	CodeInitFailed          = "INIT_FAILED"
	CodeWorkerStopped       = "WORKER_STOPPED"
	CodeRateLimited         = "SYSCALL_RATE_LIMITED"
	CodeUnknownSyscall      = "UNKNOWN_SYSCALL"
	CodeSignatureMismatch   = "SIGNATURE_MISMATCH"
)

// Error is a coded error.
type Error struct {
	ErrCode string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.ErrCode, e.Message) }

// Code returns the stable code string.
func (e *Error) Code() string { return e.ErrCode }

// New builds a coded error.
func New(code, format string, args ...interface{}) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Coder is implemented by every error type that carries a stable code.
type Coder interface {
	error
	Code() string
}

// CodeOf extracts the code from err, or "" when err carries none.
func CodeOf(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// MessageOf returns the human-readable half of a coded error, falling back
// to Error() for plain errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
