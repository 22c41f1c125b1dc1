// Package errors defines the coordination substrate's error taxonomy: an
// AppError carries a stable Kind, a Severity, and a Retryable flag (spec §7), so
// internal/httpapi can map any AppError to the right HTTP status through a
// single Kind-driven table instead of ad hoc numeric ranges.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError for routing and retry decisions. Each Kind
// corresponds to one row of spec §7's error taxonomy table.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuth                Kind = "auth"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindPersistence         Kind = "persistence"
	KindEventBus            Kind = "event_bus"
	KindCompensation        Kind = "compensation"
	KindInvariant           Kind = "invariant"
)

// Severity ranks how serious an error is for logging/alerting purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// kindDefaults pins each Kind's Severity/Retryable per spec §7's table, so
// New doesn't need every call site to repeat them.
var kindDefaults = map[Kind]struct {
	Severity  Severity
	Retryable bool
}{
	KindValidation:          {SeverityLow, false},
	KindAuth:                {SeverityLow, false},
	KindNotFound:            {SeverityLow, false},
	KindConflict:            {SeverityMedium, false},
	KindUpstreamUnavailable: {SeverityHigh, true},
	KindPersistence:         {SeverityHigh, true},
	KindEventBus:            {SeverityMedium, true},
	KindCompensation:        {SeverityHigh, false},
	KindInvariant:           {SeverityCritical, false},
}

// AppError is the taxonomy-carrying error type for caller-visible failures.
// pkg/circuitbreaker, pkg/eventbus and pkg/sagacore return their own
// sentinel and typed errors rather than AppError.
//
//   - Kind drives both HTTP status mapping (internal/httpapi) and retry
//     decisions (pkg/sagacore's step retry loop checks Retryable before
//     consuming backoff budget).
//   - Message is safe to return to a caller.
//   - Err is the wrapped internal cause, kept out of JSON so it never leaks
//     connection strings or stack traces to an external client.
type AppError struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Severity  Severity `json:"severity"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError of kind with message, applying that kind's
// default Severity/Retryable.
func New(kind Kind, message string) *AppError {
	d := kindDefaults[kind]
	return &AppError{Kind: kind, Message: message, Severity: d.Severity, Retryable: d.Retryable}
}

// Wrap attaches kind/message to an underlying error (a database driver
// error, an HTTP client error, …), hiding its implementation detail from
// callers while preserving it for logging via errors.Unwrap.
func Wrap(kind Kind, err error, message string) *AppError {
	d := kindDefaults[kind]
	return &AppError{Kind: kind, Message: message, Severity: d.Severity, Retryable: d.Retryable, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *AppError {
	return Wrap(kind, err, fmt.Sprintf(format, args...))
}

// Predefined errors for the common cases, so call sites don't repeat
// boilerplate New calls for the same condition.
var (
	ErrValidation  = New(KindValidation, "validation failed")
	ErrNotFound    = New(KindNotFound, "resource not found")
	ErrConflict    = New(KindConflict, "conflicting idempotency key")
	ErrUnavailable = New(KindUpstreamUnavailable, "upstream dependency unavailable")
	ErrPersistence = New(KindPersistence, "persistence failure")
	ErrInvariant   = New(KindInvariant, "invariant violation")
)

// IsAppError reports whether err is (or wraps) an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts the AppError from err, wrapping it as an internal
// KindInvariant error if it isn't already one — internal/httpapi uses this
// so every handler can format a response without a type switch.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(KindInvariant, err, "internal error")
}
