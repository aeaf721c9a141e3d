package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

const (
	// resolutionMaxPages bounds how far back the tracker pages through
	// closed events each cycle; older resolutions were caught by earlier
	// cycles.
	resolutionMaxPages = 3
	resolutionPageSize = 100
)

type closedEventFetcher interface {
	GetClosedEvents(ctx context.Context, limit, offset int) ([]types.GammaEvent, error)
}

type resolutionStore interface {
	GetResolvedIDs(ctx context.Context, conditionIDs []string) (map[string]bool, error)
	UpsertResolution(ctx context.Context, r types.Resolution) error
	MarkMarketsClosed(ctx context.Context, conditionIDs []string) error
}

// ResolutionTracker detects resolved markets by polling recently closed
// events and inferring the winner from settled outcome prices. The daemon
// hands it a dedicated upstream client so paging a resolution backlog never
// competes with the other pollers for rate-limit slots.
type ResolutionTracker struct {
	client closedEventFetcher
	store  resolutionStore
	cfg    config.CollectorConfig
	logger *slog.Logger
}

// NewResolutionTracker creates the resolution tracker.
func NewResolutionTracker(client closedEventFetcher, store resolutionStore, cfg config.CollectorConfig, logger *slog.Logger) *ResolutionTracker {
	return &ResolutionTracker{
		client: client,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "resolution_tracker"),
	}
}

func (c *ResolutionTracker) Name() string            { return "resolutions" }
func (c *ResolutionTracker) Interval() time.Duration { return c.cfg.ResolutionInterval }

// CollectOnce pages through recently closed events, records newly detected
// resolutions, and syncs the closed flag on every market it saw.
// Returns the number of new resolutions.
func (c *ResolutionTracker) CollectOnce(ctx context.Context) (int, error) {
	start := time.Now()

	var raws []json.RawMessage
	for page := 0; page < resolutionMaxPages; page++ {
		events, err := c.client.GetClosedEvents(ctx, resolutionPageSize, page*resolutionPageSize)
		if err != nil {
			return 0, fmt.Errorf("fetch closed events page %d: %w", page, err)
		}
		for _, evt := range events {
			raws = append(raws, evt.Markets...)
		}
		if len(events) < resolutionPageSize {
			break
		}
	}
	if len(raws) == 0 {
		return 0, nil
	}

	// Index raw markets by condition ID; collect every seen ID for the
	// closed-flag sync below.
	byID := make(map[string]json.RawMessage, len(raws))
	seenIDs := make([]string, 0, len(raws))
	for _, raw := range raws {
		m, ok := parseRawMarket(raw)
		if !ok {
			continue
		}
		id := m.conditionID()
		if id == "" {
			continue
		}
		if _, dup := byID[id]; !dup {
			byID[id] = raw
			seenIDs = append(seenIDs, id)
		}
	}

	resolved, err := c.store.GetResolvedIDs(ctx, seenIDs)
	if err != nil {
		return 0, fmt.Errorf("check resolved ids: %w", err)
	}

	now := time.Now().UTC()
	detected := 0
	for _, id := range seenIDs {
		if resolved[id] {
			continue
		}
		res := inferWinner(byID[id], now)
		if res == nil {
			continue
		}
		if err := c.store.UpsertResolution(ctx, *res); err != nil {
			return detected, fmt.Errorf("record resolution: %w", err)
		}
		detected++
		c.logger.Info("market resolved",
			"condition_id", res.ConditionID,
			"outcome", res.Outcome,
			"winner_token", res.WinnerTokenID,
		)
	}

	if err := c.store.MarkMarketsClosed(ctx, seenIDs); err != nil {
		return detected, fmt.Errorf("sync closed markets: %w", err)
	}

	c.logger.Info("resolution cycle complete",
		"seen", len(seenIDs),
		"new_resolutions", detected,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return detected, nil
}
