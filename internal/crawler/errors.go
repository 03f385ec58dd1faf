package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed marks a request that produced no usable data: transport
	// failure, timeout, or a non-success status other than 412.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrRateLimited is returned once 412 responses outlast the retry budget.
	// It is never absorbed by the harvester.
	ErrRateLimited = errors.New("rate limited")
	// ErrMalformedResponse marks a body that does not match the expected JSON shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrRemoteApplication marks a well-formed response carrying a non-zero code.
	ErrRemoteApplication = errors.New("remote application error")
	// ErrTaskNotFound is returned when no status record exists for a task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrObjectNotFound is returned by blob stores for missing paths.
	ErrObjectNotFound = errors.New("object not found")
	// ErrQueueClosed is returned by queues that no longer hand out work.
	ErrQueueClosed = errors.New("queue closed")
)

// RateLimitError reports the request that exhausted its 412 retries.
type RateLimitError struct {
	URL      string
	Attempts int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s after %d attempts", e.URL, e.Attempts)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Unwrap lets errors.Is match ErrFetchFailed.
func (e *StatusError) Unwrap() error {
	return ErrFetchFailed
}

// APIError reports a non-zero application code in a remote response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error code=%d: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrRemoteApplication.
func (e *APIError) Unwrap() error {
	return ErrRemoteApplication
}
