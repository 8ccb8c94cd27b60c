package errors

import (
	"errors"
	"testing"
)

func TestBatchlingError_Error(t *testing.T) {
	err := New(CodeInvalidRequest, "missing required field")

	expected := "invalid_request: missing required field"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestBatchlingError_ErrorWithProvider(t *testing.T) {
	err := New(CodeInvalidRequest, "missing required field").WithProvider("openai")

	expected := "[openai] invalid_request: missing required field"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

func TestBatchlingError_Unwrap(t *testing.T) {
	cause := errors.New("original error")
	err := New(CodeProviderError, "provider error").WithCause(cause)

	if err.Unwrap() != cause {
		t.Error("expected Unwrap to return cause")
	}
}

func TestBatchlingError_Is(t *testing.T) {
	err1 := New(CodeProviderError, "too many requests")
	err2 := New(CodeProviderError, "different message")
	err3 := New(CodeAuthError, "auth error")

	if !errors.Is(err1, err2) {
		t.Error("expected errors with same code to match")
	}

	if errors.Is(err1, err3) {
		t.Error("expected errors with different codes to not match")
	}
}

func TestBatchlingError_Chaining(t *testing.T) {
	cause := errors.New("connection refused")

	err := New(CodeProviderError, "upload failed").
		WithProvider("anthropic").
		WithStatusCode(503).
		WithCause(cause)

	if err.Provider != "anthropic" {
		t.Errorf("expected provider %q, got %q", "anthropic", err.Provider)
	}

	if err.StatusCode != 503 {
		t.Errorf("expected status code 503, got %d", err.StatusCode)
	}

	if err.Cause != cause {
		t.Error("expected cause to be set")
	}
}

func TestProviderIncomplete(t *testing.T) {
	err := ProviderIncomplete("google", "expired")

	if err.Code != CodeProviderIncomplete {
		t.Errorf("expected code %q, got %q", CodeProviderIncomplete, err.Code)
	}

	if err.State != "expired" {
		t.Errorf("expected state %q, got %q", "expired", err.State)
	}
}

func TestAuthError(t *testing.T) {
	err := AuthError("openai", "invalid credentials")

	if err.Code != CodeAuthError {
		t.Errorf("expected code %q, got %q", CodeAuthError, err.Code)
	}

	if err.StatusCode != 401 {
		t.Errorf("expected status code 401, got %d", err.StatusCode)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{ProviderError("openai", "rate limited"), true},
		{InvalidRequest("bad input"), false},
		{AuthError("openai", "bad auth"), false},
		{Cancelled(), false},
		{errors.New("regular error"), false},
	}

	for _, tt := range tests {
		if result := IsRetryable(tt.err); result != tt.expected {
			t.Errorf("IsRetryable(%v) = %v, expected %v", tt.err, result, tt.expected)
		}
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{AuthError("openai", "bad auth"), true},
		{ProviderError("openai", "rate limited"), false},
		{errors.New("regular error"), false},
	}

	for _, tt := range tests {
		if result := IsAuthError(tt.err); result != tt.expected {
			t.Errorf("IsAuthError(%v) = %v, expected %v", tt.err, result, tt.expected)
		}
	}
}

func TestIsDeferredExit(t *testing.T) {
	if !IsDeferredExit(DeferredExit()) {
		t.Error("expected DeferredExit() to be recognized as a deferred exit signal")
	}

	if IsDeferredExit(Cancelled()) {
		t.Error("expected Cancelled() to not be a deferred exit signal")
	}
}

func TestErrorsAs(t *testing.T) {
	originalErr := ProviderError("openai", "rate limited")
	wrappedErr := errors.New("wrapped: " + originalErr.Error())

	var berr *BatchlingError
	if errors.As(originalErr, &berr) {
		if berr.Code != CodeProviderError {
			t.Errorf("expected code %q, got %q", CodeProviderError, berr.Code)
		}
	} else {
		t.Error("expected errors.As to succeed for BatchlingError")
	}

	if errors.As(wrappedErr, &berr) {
		t.Error("expected errors.As to fail for a plain wrapped error")
	}
}
