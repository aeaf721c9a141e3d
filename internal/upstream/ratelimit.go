// ratelimit.go implements sliding-window rate limiting for the Polymarket APIs.
//
// Polymarket enforces per-category limits measured in requests per 10-second
// windows. The limiter keeps the timestamps of recent requests and blocks in
// Acquire() until the oldest one falls out of the window. A server-sent
// Retry-After (recorded via RecordResponse on a 429) overrides the window
// until its deadline passes.
//
// Three limiters are maintained, tuned to ~70% of the published limits so a
// second process or manual curl never tips the account over:
//   - Gamma:    200 / 10s
//   - CLOBRead: 1000 / 10s
//   - CLOBTrade: 400 / 10s
package upstream

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is a rate limiter that allows at most maxRequests request
// timestamps inside a trailing window. Callers block in Acquire() until a
// slot is free or the context is cancelled.
type SlidingWindow struct {
	mu         sync.Mutex
	name       string
	max        int
	window     time.Duration
	timestamps []time.Time // oldest first
	retryUntil time.Time   // server-imposed pause deadline, zero if none
}

// NewSlidingWindow creates a limiter allowing maxRequests per window.
func NewSlidingWindow(maxRequests int, window time.Duration, name string) *SlidingWindow {
	return &SlidingWindow{
		name:   name,
		max:    maxRequests,
		window: window,
	}
}

// Acquire blocks until a request slot is available or ctx is cancelled.
// On success the current time is recorded against the window.
func (s *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		now := time.Now()
		s.evict(now)

		var wait time.Duration
		if !s.retryUntil.IsZero() && now.Before(s.retryUntil) {
			wait = s.retryUntil.Sub(now)
		} else if len(s.timestamps) < s.max {
			s.timestamps = append(s.timestamps, now)
			s.mu.Unlock()
			return nil
		} else {
			// Wait until the oldest timestamp leaves the window.
			wait = s.timestamps[0].Add(s.window).Sub(now)
		}
		s.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RecordResponse notes the outcome of a request. A 429 with a Retry-After
// hint pauses all acquisitions until the deadline; other statuses clear any
// previous pause.
func (s *SlidingWindow) RecordResponse(status int, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 429 {
		if retryAfter <= 0 {
			retryAfter = s.window
		}
		s.retryUntil = time.Now().Add(retryAfter)
		return
	}
	s.retryUntil = time.Time{}
}

// evict drops timestamps older than the window. Caller holds mu.
func (s *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.timestamps) && !s.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.timestamps = append(s.timestamps[:0], s.timestamps[i:]...)
	}
}

// Pending returns how many requests are currently counted in the window.
func (s *SlidingWindow) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(time.Now())
	return len(s.timestamps)
}

// Limiters groups the per-category rate limiters. Every upstream call must
// go through the matching limiter's Acquire() before the HTTP request.
type Limiters struct {
	Gamma     *SlidingWindow // Gamma API — events, market metadata
	CLOBRead  *SlidingWindow // CLOB reads — books, prices, midpoints
	CLOBTrade *SlidingWindow // CLOB trade-data endpoints
}

// NewLimiters creates limiters tuned to ~70% of Polymarket's published limits.
func NewLimiters() *Limiters {
	return &Limiters{
		Gamma:     NewSlidingWindow(200, 10*time.Second, "gamma"),
		CLOBRead:  NewSlidingWindow(1000, 10*time.Second, "clob-read"),
		CLOBTrade: NewSlidingWindow(400, 10*time.Second, "clob-trade"),
	}
}
