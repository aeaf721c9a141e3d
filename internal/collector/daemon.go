// daemon.go implements the supervisor that keeps all collectors running.
//
// Each collector occupies a slot with its own goroutine. Polling slots
// wrap CollectOnce in a loop that counts errors but never exits on them;
// a slot goroutine therefore only dies on panic or — for the trade
// listener — when Run returns. The monitor loop checks every slot on a
// fixed cadence and restarts dead ones with exponential backoff, up to a
// restart cap; past the cap the slot is abandoned with a CRITICAL log.
// The trade listener is rebuilt from scratch on restart (its connections
// and queue are part of the wreckage); polling collectors are stateless
// between cycles and restart as-is.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
)

const (
	monitorInterval   = 10 * time.Second
	healthLogInterval = 60 * time.Second
	restartBaseDelay  = 5 * time.Second
	restartMaxDelay   = 60 * time.Second
	maxRestarts       = 5
)

// PollingCollector is the contract every polling collector satisfies.
type PollingCollector interface {
	Name() string
	Interval() time.Duration
	CollectOnce(ctx context.Context) (int, error)
}

// TradeRunner abstracts the trade listener for the supervisor.
type TradeRunner interface {
	Run(ctx context.Context) error
	Health() TradeHealth
}

// slotStats tracks one slot's lifetime counters. Guarded by Daemon.mu.
type slotStats struct {
	totalItems    int64
	cycles        int64
	errorCount    int64
	restarts      int
	lastCollectTS time.Time
	lastError     string
	dead          bool
}

type slot struct {
	name  string
	start func(ctx context.Context) error
	done  chan struct{}
}

// Daemon supervises the collectors.
type Daemon struct {
	pollers     []PollingCollector
	newListener func() TradeRunner
	logger      *slog.Logger
	delayFn     func(restarts int) time.Duration

	mu       sync.Mutex
	stats    map[string]*slotStats
	listener TradeRunner
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	startAt  time.Time
}

// NewDaemon creates a supervisor over the given polling collectors and a
// trade listener factory. The factory is re-invoked on listener restart.
func NewDaemon(pollers []PollingCollector, newListener func() TradeRunner, logger *slog.Logger) *Daemon {
	return &Daemon{
		pollers:     pollers,
		newListener: newListener,
		logger:      logger.With("component", "daemon"),
		delayFn:     restartDelay,
		stats:       make(map[string]*slotStats),
	}
}

// Run starts everything and blocks until ctx is cancelled or a SIGINT /
// SIGTERM arrives. Stop is invoked on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		cancel()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.cancel = cancel
	d.startAt = time.Now()
	d.mu.Unlock()

	for _, p := range d.pollers {
		d.launchSlot(runCtx, d.pollingSlot(p))
	}
	if d.newListener != nil {
		d.launchSlot(runCtx, d.listenerSlot())
	}

	d.wg.Add(2)
	go d.monitorLoop(runCtx)
	go d.healthLoop(runCtx)

	d.logger.Info("daemon started", "collectors", len(d.pollers)+1)

	<-ctx.Done()
	d.Stop()
	return nil
}

// Stop shuts everything down. Idempotent: later calls are no-ops.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	d.logger.Info("stopping daemon")
	cancel()
	d.wg.Wait()
	d.logger.Info("daemon stopped", "uptime", time.Since(d.startAt).Round(time.Second))
}

// pollingSlot wraps a collector in its forever loop. Cycle errors are
// recorded and swallowed; the loop only exits with the context.
func (d *Daemon) pollingSlot(p PollingCollector) slot {
	return slot{
		name: p.Name(),
		start: func(ctx context.Context) error {
			for {
				n, err := p.CollectOnce(ctx)
				if ctx.Err() != nil {
					return ctx.Err()
				}

				d.mu.Lock()
				st := d.stats[p.Name()]
				st.cycles++
				if err != nil {
					st.errorCount++
					st.lastError = err.Error()
				} else {
					st.totalItems += int64(n)
					st.lastCollectTS = time.Now()
				}
				d.mu.Unlock()

				if err != nil {
					d.logger.Error("collection cycle failed",
						"collector", p.Name(),
						"error", err,
					)
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.Interval()):
				}
			}
		},
	}
}

// listenerSlot wraps the trade listener. Each (re)start builds a fresh
// instance so no half-dead connections survive a crash.
func (d *Daemon) listenerSlot() slot {
	return slot{
		name: "trades",
		start: func(ctx context.Context) error {
			l := d.newListener()
			d.mu.Lock()
			d.listener = l
			d.mu.Unlock()
			return l.Run(ctx)
		},
	}
}

// launchSlot starts (or restarts) a slot goroutine with panic recovery.
func (d *Daemon) launchSlot(ctx context.Context, s slot) {
	d.mu.Lock()
	if _, ok := d.stats[s.name]; !ok {
		d.stats[s.name] = &slotStats{}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	s.done = done

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("collector panicked",
					"collector", s.name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()

		err := s.start(ctx)
		if ctx.Err() == nil && err != nil {
			d.logger.Error("collector exited", "collector", s.name, "error", err)
		}
	}()

	d.wg.Add(1)
	go d.watchSlot(ctx, s, done)
}

// watchSlot waits for a slot goroutine to die and schedules the restart.
// Restart delay is min(5 * 2^restarts, 60s); after maxRestarts the slot is
// left dead with a CRITICAL log.
func (d *Daemon) watchSlot(ctx context.Context, s slot, done chan struct{}) {
	defer d.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-done:
	}
	if ctx.Err() != nil {
		return
	}

	d.mu.Lock()
	st := d.stats[s.name]
	st.restarts++
	restarts := st.restarts
	d.mu.Unlock()

	if restarts > maxRestarts {
		d.mu.Lock()
		st.dead = true
		d.mu.Unlock()
		d.logger.Error("CRITICAL: collector exceeded restart limit, leaving dead",
			"collector", s.name,
			"restarts", restarts-1,
		)
		return
	}

	delay := d.delayFn(restarts)
	d.logger.Warn("restarting collector",
		"collector", s.name,
		"restart", restarts,
		"delay", delay,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	if ctx.Err() != nil {
		return
	}

	d.launchSlot(ctx, s)
}

// restartDelay returns the backoff before the nth restart (1-based):
// 5s, 10s, 20s, 40s, then capped at 60s.
func restartDelay(restarts int) time.Duration {
	delay := restartBaseDelay * (1 << (restarts - 1))
	if delay > restartMaxDelay {
		delay = restartMaxDelay
	}
	return delay
}

// monitorLoop periodically logs any dead slots. Restarts themselves are
// event-driven in watchSlot; this loop is the operator's heartbeat that
// something is wrong.
func (d *Daemon) monitorLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			var dead []string
			for name, st := range d.stats {
				if st.dead {
					dead = append(dead, name)
				}
			}
			d.mu.Unlock()
			if len(dead) > 0 {
				d.logger.Error("dead collectors require attention", "collectors", dead)
			}
		}
	}
}

// healthLoop logs one status line per minute covering every slot.
func (d *Daemon) healthLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.logHealth()
		}
	}
}

func (d *Daemon) logHealth() {
	d.mu.Lock()
	listener := d.listener
	attrs := []interface{}{
		"uptime", time.Since(d.startAt).Round(time.Second),
	}
	for name, st := range d.stats {
		status := "alive"
		if st.dead {
			status = "dead"
		}
		attrs = append(attrs,
			name, fmt.Sprintf("%s cycles=%d items=%d errors=%d restarts=%d",
				status, st.cycles, st.totalItems, st.errorCount, st.restarts))
	}
	d.mu.Unlock()

	if listener != nil {
		h := listener.Health()
		attrs = append(attrs,
			"trades_received", h.TradesReceived,
			"trades_inserted", h.TradesInserted,
			"trades_dropped", h.TradesDropped,
			"ws_connections", h.ConnectionsActive,
			"ws_reconnects", h.Reconnections,
			"queue_depth", h.QueueDepth,
		)
	}

	d.logger.Info("health", attrs...)
}

// Stats returns a copy of the current slot statistics, keyed by slot name.
func (d *Daemon) Stats() map[string]slotStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]slotStats, len(d.stats))
	for name, st := range d.stats {
		out[name] = *st
	}
	return out
}
