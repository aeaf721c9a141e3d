package upstream

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindowImmediate(t *testing.T) {
	t.Parallel()
	sw := NewSlidingWindow(5, time.Second, "test")

	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := sw.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Acquire() took %v, expected immediate (slot %d)", elapsed, i)
		}
	}
	if got := sw.Pending(); got != 5 {
		t.Errorf("Pending() = %d, want 5", got)
	}
}

func TestSlidingWindowBlocksWhenFull(t *testing.T) {
	t.Parallel()
	sw := NewSlidingWindow(1, 100*time.Millisecond, "test")

	if err := sw.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Next Acquire should block until the first timestamp leaves the window.
	start := time.Now()
	if err := sw.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestSlidingWindowContextCancelled(t *testing.T) {
	t.Parallel()
	sw := NewSlidingWindow(1, time.Minute, "test")

	_ = sw.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := sw.Acquire(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestSlidingWindowRetryAfterPause(t *testing.T) {
	t.Parallel()
	sw := NewSlidingWindow(10, time.Second, "test")

	sw.RecordResponse(429, 100*time.Millisecond)

	start := time.Now()
	if err := sw.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected pause ~100ms after 429, got %v", elapsed)
	}
}

func TestSlidingWindowSuccessClearsPause(t *testing.T) {
	t.Parallel()
	sw := NewSlidingWindow(10, time.Second, "test")

	sw.RecordResponse(429, time.Minute)
	sw.RecordResponse(200, 0)

	start := time.Now()
	if err := sw.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected immediate acquire after pause cleared, took %v", elapsed)
	}
}

func TestNewLimitersCategories(t *testing.T) {
	t.Parallel()
	rl := NewLimiters()

	if rl.Gamma.max != 200 {
		t.Errorf("gamma max = %d, want 200", rl.Gamma.max)
	}
	if rl.CLOBRead.max != 1000 {
		t.Errorf("clob-read max = %d, want 1000", rl.CLOBRead.max)
	}
	if rl.CLOBTrade.max != 400 {
		t.Errorf("clob-trade max = %d, want 400", rl.CLOBTrade.max)
	}
	if rl.Gamma.window != 10*time.Second {
		t.Errorf("window = %v, want 10s", rl.Gamma.window)
	}
}
