package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 500", &StatusError{Status: 500}, true},
		{"status 429", &StatusError{Status: 429}, true},
		{"status 408", &StatusError{Status: 408}, true},
		{"status 502", &StatusError{Status: 502}, true},
		{"status 400", &StatusError{Status: 400}, false},
		{"status 401", &StatusError{Status: 401}, false},
		{"status 404", &StatusError{Status: 404}, false},
		{"status 422", &StatusError{Status: 422}, false},
		{"wrapped status", fmt.Errorf("call: %w", &StatusError{Status: 503}), true},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestPolicyDelaySchedule(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(5), testLogger(), "op", func() error {
		calls++
		if calls < 3 {
			return &StatusError{Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoFatalStopsImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(5), testLogger(), "op", func() error {
		calls++
		return &StatusError{Status: 401}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (fatal must not retry)", calls)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("fatal error should not be wrapped in ErrRetryExhausted")
	}
}

func TestDoExhaustion(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastPolicy(3), testLogger(), "op", func() error {
		calls++
		return &StatusError{Status: 500}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("expected ErrRetryExhausted, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != 500 {
		t.Errorf("expected wrapped StatusError 500, got %v", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, BaseDelay: time.Minute, MaxDelay: time.Minute, ExponentialBase: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Do(ctx, p, testLogger(), "op", func() error {
		return &StatusError{Status: 500}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDoRetryAfterOverridesDelay(t *testing.T) {
	t.Parallel()

	calls := 0
	start := time.Now()
	p := Policy{MaxAttempts: 2, BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond, ExponentialBase: 2}
	_ = Do(context.Background(), p, testLogger(), "op", func() error {
		calls++
		return &StatusError{Status: 429, RetryAfter: 50 * time.Millisecond}
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("expected Retry-After hint to govern delay, elapsed %v", elapsed)
	}
}

func TestDoBackoffFloorsRetryAfter(t *testing.T) {
	t.Parallel()

	// A hint shorter than the computed backoff must not shrink the sleep.
	start := time.Now()
	p := Policy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond, ExponentialBase: 2}
	_ = Do(context.Background(), p, testLogger(), "op", func() error {
		return &StatusError{Status: 429, RetryAfter: time.Nanosecond}
	})
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("expected backoff to floor the Retry-After hint, elapsed %v", elapsed)
	}
}
