package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{
			name:       "client error should not retry",
			errorClass: ErrorClassClient,
			expected:   false,
		},
		{
			name:       "transient error should retry",
			errorClass: ErrorClassTransient,
			expected:   true,
		},
		{
			name:       "rate limit should retry",
			errorClass: ErrorClassRateLimited,
			expected:   true,
		},
		{
			name:       "empty error class should not retry",
			errorClass: "",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := shouldRetry(tt.errorClass)
			if result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{206, ""},
		{400, ErrorClassClient},
		{401, ErrorClassClient},
		{404, ErrorClassClient},
		{416, ErrorClassClient},
		{429, ErrorClassRateLimited},
		{500, ErrorClassTransient},
		{502, ErrorClassTransient},
		{503, ErrorClassTransient},
		{304, ErrorClassClient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := ClassifyStatus(tt.status); got != tt.want {
				t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ""},
		{name: "request error", err: &RequestError{ErrorClass: ErrorClassClient}, want: ErrorClassClient},
		{name: "wrapped request error", err: fmt.Errorf("fetch: %w", &RequestError{ErrorClass: ErrorClassRateLimited}), want: ErrorClassRateLimited},
		{name: "plain network error", err: errors.New("connection reset"), want: ErrorClassTransient},
		{name: "cancelled", err: context.Canceled, want: ""},
		{name: "cancelled sentinel", err: fmt.Errorf("%w: boom", ErrContextCancelled), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestError(t *testing.T) {
	tests := []struct {
		name     string
		err      *RequestError
		expected string
	}{
		{
			name: "without wrapped error",
			err: &RequestError{
				StatusCode: 404,
				ErrorClass: ErrorClassClient,
				Message:    "404 Not Found",
			},
			expected: "source client error (status 404): 404 Not Found",
		},
		{
			name: "with wrapped error",
			err: &RequestError{
				ErrorClass: ErrorClassTransient,
				Message:    "request failed",
				Err:        errors.New("dial tcp: i/o timeout"),
			},
			expected: "source transient error (status 0): request failed: dial tcp: i/o timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRequestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &RequestError{ErrorClass: ErrorClassTransient, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestIsClientErrorAndExhausted(t *testing.T) {
	clientErr := &RequestError{StatusCode: 404, ErrorClass: ErrorClassClient}
	exhausted := fmt.Errorf("%w after 3 attempts: %w", ErrRetryExhausted,
		&RequestError{StatusCode: 503, ErrorClass: ErrorClassTransient})

	if !IsClientError(clientErr) {
		t.Error("IsClientError(404) = false, want true")
	}
	if IsClientError(exhausted) {
		t.Error("IsClientError(exhausted 503) = true, want false")
	}
	if !IsRetryExhausted(exhausted) {
		t.Error("IsRetryExhausted() = false, want true")
	}
	if IsRetryExhausted(clientErr) {
		t.Error("IsRetryExhausted(404) = true, want false")
	}

	var reqErr *RequestError
	if !errors.As(exhausted, &reqErr) || reqErr.StatusCode != 503 {
		t.Error("exhausted error should still unwrap to the last RequestError")
	}
}
