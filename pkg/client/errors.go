package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of failed requests.
type ErrorClass string

const (
	// ErrorClassTransient covers network errors, timeouts and 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimited covers 429 Too Many Requests.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassClient covers 4xx responses other than 429.
	ErrorClassClient ErrorClass = "client"
)

// RequestError describes a failed request attempt.
type RequestError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string

	// RetryAfter is the wait the source asked for, if any.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("source %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to an error class. Successful
// statuses return the empty class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimited
	case status >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassClient
	}
}

// ClassOf returns the class of err. Errors that are not a *RequestError are
// treated as transient network failures; cancellation is never retried.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.ErrorClass
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrContextCancelled) {
		return ""
	}
	return ErrorClassTransient
}

// IsClientError reports whether err is a non-retryable request error.
func IsClientError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.ErrorClass == ErrorClassClient
}

// IsRetryExhausted reports whether err was returned after the retry budget
// ran out.
func IsRetryExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassTransient, ErrorClassRateLimited:
		return true
	default:
		// 4xx will not succeed on replay
		return false
	}
}
