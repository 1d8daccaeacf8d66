// Package toolerrors provides structured error values for tool invocation
// failures. ToolError crosses the tool boundary as a value (never a panic) and
// carries the classification the agent loop feeds back to the model.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a tool failure for propagation and HTTP mapping.
type Kind string

const (
	// KindNotConfigured indicates a missing prerequisite (API key, table name).
	KindNotConfigured Kind = "not_configured"
	// KindUpstream indicates a dependency returned a failure after retries.
	KindUpstream Kind = "upstream"
	// KindValidation indicates the arguments failed schema validation.
	KindValidation Kind = "validation"
	// KindProtocol indicates an in-run protocol violation (load-before-write,
	// write-before-talk). Returned to the model so it corrects course.
	KindProtocol Kind = "protocol_violation"
	// KindPolicy indicates a durable write was dropped by a policy filter.
	KindPolicy Kind = "policy_check"
	// KindNotFound indicates the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a conditional write lost a race.
	KindConflict Kind = "conflict"
	// KindNotAllowed indicates a policy-scoped rejection (domain, key prefix,
	// channel or repository outside the configured allowlist).
	KindNotAllowed Kind = "not_allowed"
)

// ToolError represents a structured tool failure that preserves message and
// causal context while still implementing the standard error interface. Tool
// errors may be nested via Cause to retain diagnostics across retries.
type ToolError struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Kind categorizes the failure.
	Kind Kind
	// Retryable reports whether repeating the call may succeed.
	Retryable bool
	// Details carries bounded structured context (never stack traces).
	Details map[string]any
	// Cause links to the underlying tool error for errors.Is/As chains.
	Cause *ToolError
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message, Kind: KindUpstream}
}

// NewKind constructs a ToolError with an explicit kind.
func NewKind(kind Kind, message string) *ToolError {
	e := New(message)
	e.Kind = kind
	return e
}

// NewWithCause constructs a ToolError that wraps an underlying error.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Kind: KindUpstream, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Kind: KindUpstream, Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats according to a format specifier and returns a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Payload renders the error as the map shape tools return to the model:
// {ok:false, error, errorCategory, retryable, errorType, errorDetails}.
func (e *ToolError) Payload() map[string]any {
	p := map[string]any{
		"ok":            false,
		"error":         e.Message,
		"errorCategory": string(e.Kind),
		"retryable":     e.Retryable,
		"errorType":     string(e.Kind),
	}
	if len(e.Details) > 0 {
		p["errorDetails"] = e.Details
	}
	return p
}
