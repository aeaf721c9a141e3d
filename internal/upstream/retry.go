// retry.go implements retry with exponential backoff and an explicit error
// taxonomy for upstream calls.
//
// Transport-level failures (timeouts, resets, broken reads) and a fixed set
// of HTTP statuses (408, 429, 5xx gateway errors) are retryable; client
// errors (400, 401, 403, 404, 422) are fatal and surface immediately. A 429
// carrying a Retry-After hint overrides the computed backoff delay.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// ErrRetryExhausted wraps the last error after all attempts failed.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// StatusError is an HTTP error response from the upstream API.
// RetryAfter is non-zero when the server sent a Retry-After header.
type StatusError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var fatalStatuses = map[int]bool{
	400: true,
	401: true,
	403: true,
	404: true,
	422: true,
}

// Retryable reports whether an error is worth another attempt.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		if fatalStatuses[se.Status] {
			return false
		}
		return retryableStatuses[se.Status]
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Policy controls the retry schedule. Delay for attempt n (1-based) is
// min(BaseDelay * ExponentialBase^(n-1), MaxDelay).
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultPolicy matches the collectors' standard schedule: 5 attempts,
// 1s base delay doubling to a 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// Delay returns the backoff before attempt+1, where attempt is 1-based.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.ExponentialBase)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn with retries per the policy. Fatal errors return immediately;
// retryable ones are logged at Warn and retried after the backoff delay.
// When attempts run out the last error is wrapped in ErrRetryExhausted.
func Do(ctx context.Context, p Policy, logger *slog.Logger, name string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		// Sleep at least as long as the server asked, never less than our
		// own backoff.
		delay := p.Delay(attempt)
		var se *StatusError
		if errors.As(lastErr, &se) && se.Status == 429 && se.RetryAfter > delay {
			delay = se.RetryAfter
		}

		logger.Warn("retrying after error",
			"op", name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", lastErr,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w: %w", name, ErrRetryExhausted, lastErr)
}
