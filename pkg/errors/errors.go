// Package errors provides the unified error type for batchling.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. These correspond to the error kinds a pending request's
// completion handle can be resolved with.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeAuthError          = "auth_error"
	CodeProviderError      = "provider_error"
	CodeProviderIncomplete = "provider_incomplete"
	CodeCancelled          = "cancelled"
	CodeEngineClosed       = "engine_closed"
	CodeDeferredExit       = "deferred_exit"
)

// BatchlingError is the base error type for all batching-engine errors.
type BatchlingError struct {
	// Code for programmatic handling.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Provider that generated or owns the error, if applicable.
	Provider string `json:"provider,omitempty"`

	// State names the terminal batch state, set only on CodeProviderIncomplete.
	State string `json:"state,omitempty"`

	// StatusCode is the HTTP status code from the provider, if applicable.
	StatusCode int `json:"status_code,omitempty"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

func (e *BatchlingError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BatchlingError) Unwrap() error {
	return e.Cause
}

// Is matches BatchlingErrors by code, so errors.Is against a freshly
// constructed sentinel (e.g. errors.EngineClosed()) works without caring
// about message/cause.
func (e *BatchlingError) Is(target error) bool {
	var t *BatchlingError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a new BatchlingError.
func New(code, message string) *BatchlingError {
	return &BatchlingError{Code: code, Message: message}
}

// WithProvider attaches the provider name.
func (e *BatchlingError) WithProvider(provider string) *BatchlingError {
	e.Provider = provider
	return e
}

// WithState attaches the terminal batch state (CodeProviderIncomplete only).
func (e *BatchlingError) WithState(state string) *BatchlingError {
	e.State = state
	return e
}

// WithCause attaches the underlying error.
func (e *BatchlingError) WithCause(err error) *BatchlingError {
	e.Cause = err
	return e
}

// WithStatusCode attaches the provider's HTTP status code.
func (e *BatchlingError) WithStatusCode(code int) *BatchlingError {
	e.StatusCode = code
	return e
}

// InvalidRequest reports a malformed request body, e.g. a missing model
// field. Never retried.
func InvalidRequest(message string) *BatchlingError {
	return New(CodeInvalidRequest, message)
}

// AuthError reports a missing or rejected credential. Fatal for the batch:
// every pending request's handle is completed with this error.
func AuthError(provider, message string) *BatchlingError {
	return New(CodeAuthError, message).WithProvider(provider).WithStatusCode(401)
}

// ProviderError reports a transient provider failure on submission or poll.
func ProviderError(provider, message string) *BatchlingError {
	return New(CodeProviderError, message).WithProvider(provider)
}

// ProviderIncomplete reports a custom-id absent from a terminal batch's
// result lines.
func ProviderIncomplete(provider, state string) *BatchlingError {
	return New(CodeProviderIncomplete, "batch reached a terminal state without a result for this request").
		WithProvider(provider).WithState(state)
}

// Cancelled reports that the caller dropped interest in a pending request.
func Cancelled() *BatchlingError {
	return New(CodeCancelled, "request was cancelled before it resolved")
}

// EngineClosed reports intake after the engine's Close has already run.
func EngineClosed() *BatchlingError {
	return New(CodeEngineClosed, "batching engine is closed")
}

// DeferredExit is a control-flow signal, not a true failure: the caller may
// exit the process with success because only polling work remains and it
// will resume from cache on the next run.
func DeferredExit() *BatchlingError {
	return New(CodeDeferredExit, "only polling activity remains; safe to exit and resume from cache")
}

// IsRetryable returns true if the error is potentially transient.
func IsRetryable(err error) bool {
	var berr *BatchlingError
	if errors.As(err, &berr) {
		return berr.Code == CodeProviderError
	}
	return false
}

// IsAuthError returns true if the error is a fatal auth failure.
func IsAuthError(err error) bool {
	var berr *BatchlingError
	if errors.As(err, &berr) {
		return berr.Code == CodeAuthError
	}
	return false
}

// IsDeferredExit returns true if the error is the deferred-exit signal.
func IsDeferredExit(err error) bool {
	var berr *BatchlingError
	if errors.As(err, &berr) {
		return berr.Code == CodeDeferredExit
	}
	return false
}
