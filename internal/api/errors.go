package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies errors for retry and degradation decisions.
type ErrorKind string

const (
	KindValidation             ErrorKind = "validation"
	KindNotFound               ErrorKind = "not_found"
	KindTimeout                ErrorKind = "timeout"
	KindProcess                ErrorKind = "process"
	KindIntegrationUnavailable ErrorKind = "integration_unavailable"
	KindCircuitOpen            ErrorKind = "circuit_open"
	KindUnknown                ErrorKind = "unknown"
)

// ValidationError is returned when a request fails shape or security checks.
// No process is ever spawned for a request that produced this error.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid run request"
	}
	return "invalid run request: " + strings.Join(e.Errors, "; ")
}

// NewValidationError creates a ValidationError from a list of problems.
func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Errors: problems}
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// NotFoundError represents a resource not found error with contextual information.
type NotFoundError struct {
	// ResourceType categorizes the resource (e.g., "run", "feature", "test history")
	ResourceType string

	// ResourceName is the identifier that was not found
	ResourceName string

	// Message provides a custom error message if the default format is insufficient
	Message string
}

// Error returns either the custom message if provided, or a formatted default message
// using the resource type and name.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError using error unwrapping.
//
// Example:
//
//	_, err := engine.Stop(ctx, runID)
//	if api.IsNotFound(err) {
//	    // run already expired from the handle table
//	}
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError with the specified resource type and name.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceName: resourceName,
	}
}

var (
	// NewRunNotFoundError creates a run not found error.
	NewRunNotFoundError = func(runID string) *NotFoundError {
		return NewNotFoundError("run", runID)
	}

	// NewFeatureNotFoundError creates a feature not found error.
	NewFeatureNotFoundError = func(name string) *NotFoundError {
		return NewNotFoundError("feature", name)
	}

	// NewHistoryNotFoundError creates an error for a test without flaky history.
	NewHistoryNotFoundError = func(testID string) *NotFoundError {
		return NewNotFoundError("test history", testID)
	}

	// NewFrameworkNotFoundError creates an unknown framework error.
	NewFrameworkNotFoundError = func(name string) *NotFoundError {
		return NewNotFoundError("framework", name)
	}
)

// TimeoutError is returned when a run exceeds its deadline. Partial holds the
// outcomes that could be parsed from output captured before the deadline.
type TimeoutError struct {
	RunID   string
	Timeout time.Duration
	Partial []TestOutcome
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s timed out after %s (%d partial results)", e.RunID, e.Timeout, len(e.Partial))
}

// IsTimeout checks if an error is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// PartialResults returns the outcomes carried by a TimeoutError, if any.
func PartialResults(err error) []TestOutcome {
	var t *TimeoutError
	if errors.As(err, &t) {
		return t.Partial
	}
	return nil
}

// ProcessError is returned when a subprocess cannot be started or dies in a
// way that output parsing cannot recover from.
type ProcessError struct {
	RunID      string
	Executable string
	ExitCode   int
	Stderr     string
	Cause      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("process %s failed", e.Executable)
	if e.RunID != "" {
		msg = fmt.Sprintf("run %s: %s", e.RunID, msg)
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Stderr != "" {
		msg += ": " + firstLine(e.Stderr)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// IsProcess checks if an error is a ProcessError.
func IsProcess(err error) bool {
	var p *ProcessError
	return errors.As(err, &p)
}

// IntegrationUnavailableError is returned when a feature is switched off and
// has no fallback.
type IntegrationUnavailableError struct {
	Feature string
	Reason  string
}

func (e *IntegrationUnavailableError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("integration %s is unavailable", e.Feature)
	}
	return fmt.Sprintf("integration %s is unavailable: %s", e.Feature, e.Reason)
}

// IsIntegrationUnavailable checks if an error is an IntegrationUnavailableError.
func IsIntegrationUnavailable(err error) bool {
	var u *IntegrationUnavailableError
	return errors.As(err, &u)
}

// CircuitOpenError is returned when a circuit breaker rejects a call without
// attempting it.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsCircuitOpen checks if an error is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var c *CircuitOpenError
	return errors.As(err, &c)
}

// degradingError marks an error as a signal to degrade the calling feature.
type degradingError struct {
	err error
}

func (e *degradingError) Error() string { return e.err.Error() }
func (e *degradingError) Unwrap() error { return e.err }

// MarkDegrading wraps err so that ShouldDegrade reports true for it.
func MarkDegrading(err error) error {
	if err == nil {
		return nil
	}
	return &degradingError{err: err}
}

// ShouldDegrade reports whether err should move a feature into the degraded state.
func ShouldDegrade(err error) bool {
	if err == nil {
		return false
	}
	var d *degradingError
	if errors.As(err, &d) {
		return true
	}
	var sd interface{ ShouldDegrade() bool }
	if errors.As(err, &sd) {
		return sd.ShouldDegrade()
	}
	return IsIntegrationUnavailable(err)
}

// KindOf returns the kind of the outermost typed error in err's chain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return KindValidation
	case IsNotFound(err):
		return KindNotFound
	case IsTimeout(err):
		return KindTimeout
	case IsCircuitOpen(err):
		return KindCircuitOpen
	case IsIntegrationUnavailable(err):
		return KindIntegrationUnavailable
	case IsProcess(err):
		return KindProcess
	default:
		return KindUnknown
	}
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"econnrefused",
	"econnreset",
	"enotfound",
	"etimedout",
	"no such host",
	"network",
	"temporarily unavailable",
	"resource temporarily",
	"broken pipe",
	"text file busy",
}

// IsRetryable reports whether err is network or timeout shaped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindCircuitOpen, KindIntegrationUnavailable:
		return false
	case KindTimeout:
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return matchesAny(strings.ToLower(err.Error()), retryablePatterns)
}

// RemediationHint returns a short human readable suggestion for err.
func RemediationHint(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindValidation:
		return "Fix the request: check the framework name, paths and environment overrides."
	case KindNotFound:
		return "The identifier is unknown or has expired; list runs or features to find a valid one."
	case KindTimeout:
		return "Increase the timeout or narrow the run to fewer tests; partial results are attached."
	case KindProcess:
		return "Check that the test framework is installed and runs from the working directory."
	case KindIntegrationUnavailable:
		return "The integration is disabled; restore it or run without the optional feature."
	case KindCircuitOpen:
		return "Too many recent failures; wait for the circuit to reset before retrying."
	}
	if IsRetryable(err) {
		return "A transient failure occurred; retrying may succeed."
	}
	return "Inspect the error output and the framework logs."
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
