package breaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// HTTPError carries a status code through the classification layer so the
// breaker and retry policy can tell 5xx from 4xx.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
}

// ValidationError marks a caller-side input problem. Never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Retryable classifies an error as transient (timeouts, connection resets,
// 5xx and 429) or permanent (4xx, validation, context cancellation).
// Unknown errors default to retryable, since executors report plain
// connection failures without typed wrapping.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	// A cancelled caller is not a resource failure.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return false
	}

	var hErr *HTTPError
	if errors.As(err, &hErr) {
		if hErr.StatusCode == 429 {
			return true
		}
		if hErr.StatusCode >= 500 {
			return true
		}
		return false
	}

	var nErr net.Error
	if errors.As(err, &nErr) && nErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	return true
}
