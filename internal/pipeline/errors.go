package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrRateLimitExceeded means the upstream kept answering 429 after every retry.
	ErrRateLimitExceeded = errors.New("upstream rate limit exceeded")
	// ErrUpstreamUnavailable means the upstream was unreachable or failing after every retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStorageUnavailable means object storage kept failing after every retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCyclicDependency means the transform definitions contain a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnknownInput means a transform reads a table that is neither defined nor published.
	ErrUnknownInput = errors.New("unknown transform input")
	// ErrUnknownSource means a job named a source that is not configured.
	ErrUnknownSource = errors.New("unknown source")
	// ErrBatchExists means a manifest for the batch sequence is already in storage.
	ErrBatchExists = errors.New("landing batch already exists")
)

// UpstreamError is a non-retryable upstream response, such as 401 or 404.
type UpstreamError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d %s: %s",
		e.Source, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// CycleError reports the definitions that form a cycle, first node repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCyclicDependency }

// TransformError wraps the failure of one transform definition.
type TransformError struct {
	Name  string
	Cause error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s failed: %v", e.Name, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// transientError marks a failure worth retrying. RetryAfter, when set, is
// the server-requested delay.
type transientError struct {
	err        error
	retryAfter time.Duration
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func retryAfterOf(err error) time.Duration {
	var t *transientError
	if errors.As(err, &t) {
		return t.retryAfter
	}
	return 0
}

// rateLimitedError is a 429 response.
type rateLimitedError struct {
	source string
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("upstream %s responded 429 Too Many Requests", e.source)
}

// errorType names err for the run_errors table.
func errorType(err error) string {
	var (
		up *UpstreamError
		te *TransformError
	)
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrCyclicDependency):
		return "cyclic_dependency"
	case errors.Is(err, ErrUnknownInput):
		return "unknown_input"
	case errors.Is(err, ErrBatchExists):
		return "batch_exists"
	case errors.As(err, &up):
		return "upstream_error"
	case errors.As(err, &te):
		return "transform_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}
