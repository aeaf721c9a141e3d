// Package risk implements a circuit breaker for downstream trading
// consumers of the collected data.
//
// The breaker tracks realized PnL outcomes and trips when any limit is
// breached:
//
//   - Daily loss:          cumulative realized loss for the UTC day
//   - Consecutive losses:  losing trades in a row
//   - Drawdown:            equity decline from the running peak
//
// A tripped breaker stays open for the configured cooldown, during which
// Allowed returns false. State persists to a JSON file with atomic
// write-then-rename, so limits survive a restart mid-day.
package risk

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polymarket-collector/internal/config"
)

// breakerState is the JSON document persisted between runs.
type breakerState struct {
	Day               string    `json:"day"` // UTC date, YYYY-MM-DD
	DailyPnL          float64   `json:"daily_pnl"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	TrippedUntil      time.Time `json:"tripped_until"`
	TripReason        string    `json:"trip_reason,omitempty"`
}

// Snapshot is a read-only view of the breaker for status output.
type Snapshot struct {
	Tripped           bool
	TrippedUntil      time.Time
	TripReason        string
	DailyPnL          float64
	ConsecutiveLosses int
	Equity            float64
	PeakEquity        float64
	DrawdownPct       float64
}

// Breaker enforces loss limits. Safe for concurrent use.
type Breaker struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu    sync.Mutex
	state breakerState
}

// NewBreaker creates a breaker, restoring persisted state when the state
// file exists. A corrupt state file is an error: silently starting with
// fresh limits after a crash is exactly the failure mode the breaker
// guards against.
func NewBreaker(cfg config.RiskConfig, logger *slog.Logger) (*Breaker, error) {
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
	}

	data, err := os.ReadFile(cfg.StateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read breaker state: %w", err)
		}
		return b, nil
	}
	if err := json.Unmarshal(data, &b.state); err != nil {
		return nil, fmt.Errorf("unmarshal breaker state: %w", err)
	}
	return b, nil
}

// RecordTrade feeds one realized PnL outcome into the breaker and persists
// the updated state. Positive pnl resets the consecutive-loss streak.
func (b *Breaker) RecordTrade(pnl float64, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDay(now)

	b.state.DailyPnL += pnl
	b.state.Equity += pnl
	if b.state.Equity > b.state.PeakEquity {
		b.state.PeakEquity = b.state.Equity
	}
	if pnl < 0 {
		b.state.ConsecutiveLosses++
	} else if pnl > 0 {
		b.state.ConsecutiveLosses = 0
	}

	if reason := b.breach(); reason != "" {
		b.trip(reason, now)
	}
	return b.save()
}

// Allowed reports whether trading may proceed. An expired cooldown clears
// the trip on the next call.
func (b *Breaker) Allowed(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.TrippedUntil.IsZero() {
		return true
	}
	if now.Before(b.state.TrippedUntil) {
		return false
	}

	b.logger.Info("circuit breaker cooldown expired", "reason", b.state.TripReason)
	b.state.TrippedUntil = time.Time{}
	b.state.TripReason = ""
	b.state.ConsecutiveLosses = 0
	if err := b.save(); err != nil {
		b.logger.Warn("breaker state save failed", "error", err)
	}
	return true
}

// GetSnapshot returns current breaker metrics.
func (b *Breaker) GetSnapshot(now time.Time) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Tripped:           !b.state.TrippedUntil.IsZero() && now.Before(b.state.TrippedUntil),
		TrippedUntil:      b.state.TrippedUntil,
		TripReason:        b.state.TripReason,
		DailyPnL:          b.state.DailyPnL,
		ConsecutiveLosses: b.state.ConsecutiveLosses,
		Equity:            b.state.Equity,
		PeakEquity:        b.state.PeakEquity,
		DrawdownPct:       b.drawdownPct(),
	}
}

// Reset clears all breaker state, including the trip. Operator action only.
func (b *Breaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerState{}
	b.logger.Warn("circuit breaker manually reset")
	return b.save()
}

// rollDay resets the daily PnL when the UTC date changes. Trip state and
// equity carry across days.
func (b *Breaker) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if b.state.Day != day {
		b.state.Day = day
		b.state.DailyPnL = 0
	}
}

// breach returns the first breached limit's description, or "".
func (b *Breaker) breach() string {
	if b.cfg.MaxDailyLossUSD > 0 && b.state.DailyPnL < -b.cfg.MaxDailyLossUSD {
		return fmt.Sprintf("daily loss %.2f exceeds limit %.2f", -b.state.DailyPnL, b.cfg.MaxDailyLossUSD)
	}
	if b.cfg.MaxConsecutiveLosses > 0 && b.state.ConsecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("%d consecutive losses", b.state.ConsecutiveLosses)
	}
	if b.cfg.MaxDrawdownPct > 0 {
		if dd := b.drawdownPct(); dd > b.cfg.MaxDrawdownPct {
			return fmt.Sprintf("drawdown %.1f%% exceeds limit %.1f%%", dd, b.cfg.MaxDrawdownPct)
		}
	}
	return ""
}

func (b *Breaker) drawdownPct() float64 {
	if b.state.PeakEquity <= 0 {
		return 0
	}
	return (b.state.PeakEquity - b.state.Equity) / b.state.PeakEquity * 100
}

func (b *Breaker) trip(reason string, now time.Time) {
	b.state.TrippedUntil = now.Add(b.cfg.Cooldown)
	b.state.TripReason = reason
	b.logger.Error("CIRCUIT BREAKER TRIPPED",
		"reason", reason,
		"cooldown_until", b.state.TrippedUntil,
	)
}

// save atomically persists state: write to a .tmp file, then rename over
// the target, so a crash mid-write never leaves a partial file.
func (b *Breaker) save() error {
	if b.cfg.StateFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.cfg.StateFile), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker state: %w", err)
	}

	tmp := b.cfg.StateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	return os.Rename(tmp, b.cfg.StateFile)
}
