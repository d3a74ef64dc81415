// Package exitcodes defines stable exit codes for CLI runs, so Airflow,
// Kubernetes and other schedulers can tell retryable failures from
// permanent ones without parsing log output.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/stackmetrics/chexport/internal/clickhouse"
	"github.com/stackmetrics/chexport/internal/sink"
)

const (
	// Success - export completed without errors.
	Success = 0

	// ConfigError - configuration/YAML parsing errors (don't retry).
	ConfigError = 1

	// ConnectionError - source or destination connectivity errors (recoverable).
	ConnectionError = 2

	// ExportError - query or delivery failed mid-stream (recoverable).
	ExportError = 3

	// AuthError - rejected credentials at the destination (don't retry).
	AuthError = 4

	// Cancelled - interrupted via SIGINT/SIGTERM (recoverable).
	Cancelled = 5

	// StateError - run-state database errors (don't retry).
	StateError = 6

	// IOError - file I/O errors (recoverable).
	IOError = 7
)

// ExitError wraps an error with an explicit exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError classifies an error into an exit code. Typed errors win over
// message matching.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if sink.IsTerminal(err) {
		return AuthError
	}

	var timeoutErr *clickhouse.ClientTimeoutError
	if errors.As(err, &timeoutErr) {
		return ConnectionError
	}
	var queryErr *clickhouse.QueryError
	if errors.As(err, &queryErr) {
		return ExportError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())

	if containsAny(errStr, []string{
		"no such file",
		"file not found",
		"permission denied",
		"is a directory",
		"not a directory",
	}) {
		return IOError
	}

	if containsAny(errStr, []string{
		"yaml:",
		"unmarshal",
		"parsing config",
		"unknown destination",
		"missing required",
	}) && !containsAny(errStr, []string{"connection", "connect", "dial"}) {
		return ConfigError
	}

	if containsAny(errStr, []string{
		"cancel",
		"interrupt",
		"context canceled",
	}) {
		return Cancelled
	}

	if containsAny(errStr, []string{
		"migrating schema",
		"opening database",
		"saving heartbeat",
		"recording run status",
	}) {
		return StateError
	}

	if containsAny(errStr, []string{
		"connection",
		"connect",
		"dial",
		"refused",
		"timeout",
		"unreachable",
		"no such host",
		"network",
		"ping",
		"login failed",
		"authentication",
	}) {
		return ConnectionError
	}

	// Default: treat as a retryable export failure.
	return ExportError
}

// IsRecoverable returns true if the exit code marks a retryable failure.
func IsRecoverable(code int) bool {
	switch code {
	case ConnectionError, ExportError, Cancelled, IOError:
		return true
	default:
		return false
	}
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case ConnectionError:
		return "connection error (recoverable)"
	case ExportError:
		return "export error (recoverable)"
	case AuthError:
		return "authentication error"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
