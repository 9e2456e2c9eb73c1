package providers

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailoverReason
	}{
		{"nil", nil, FailoverUnknown},
		{"timeout", errors.New("context deadline exceeded"), FailoverTimeout},
		{"rate limit text", errors.New("rate limit exceeded, retry later"), FailoverRateLimit},
		{"rate limit status", errors.New("unexpected status 429"), FailoverRateLimit},
		{"auth", errors.New("invalid api key provided"), FailoverAuth},
		{"forbidden", errors.New("HTTP 403 Forbidden"), FailoverAuth},
		{"content filter", errors.New("response blocked by content policy"), FailoverContentFilter},
		{"model missing", errors.New("model not found: gpt-9"), FailoverModelUnavailable},
		{"server error", errors.New("internal server error"), FailoverServerError},
		{"bad gateway", errors.New("HTTP 502 Bad Gateway"), FailoverServerError},
		{"overloaded", errors.New("overloaded_error: try again"), FailoverServerError},
		{"unclassified", errors.New("something odd"), FailoverUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailoverReasonIsRetryable(t *testing.T) {
	retryable := []FailoverReason{FailoverRateLimit, FailoverTimeout, FailoverServerError}
	for _, r := range retryable {
		if !r.IsRetryable() {
			t.Errorf("%v should be retryable", r)
		}
	}
	permanent := []FailoverReason{FailoverAuth, FailoverInvalidRequest, FailoverModelUnavailable, FailoverContentFilter, FailoverUnknown}
	for _, r := range permanent {
		if r.IsRetryable() {
			t.Errorf("%v should not be retryable", r)
		}
	}
}

func TestProviderError(t *testing.T) {
	cause := errors.New("rate limit exceeded")
	err := NewProviderError("anthropic", "claude-sonnet-4-20250514", cause)

	if err.Reason != FailoverRateLimit {
		t.Errorf("Reason = %v, want rate_limit", err.Reason)
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should reach the cause")
	}

	wrapped := fmt.Errorf("agent call: %w", err)
	pe, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("GetProviderError should find the error in a chain")
	}
	if pe.Provider != "anthropic" {
		t.Errorf("Provider = %q", pe.Provider)
	}

	if !isRetryableError(wrapped) {
		t.Error("wrapped rate limit should be retryable")
	}
	if isRetryableError(NewProviderError("openai", "gpt-4o", errors.New("invalid api key"))) {
		t.Error("auth error should not be retryable")
	}
}
