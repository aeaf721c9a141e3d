// trades.go implements the WebSocket trade listener.
//
// The market channel allows a bounded number of instruments per connection,
// so the listener opens one connection per chunk of token IDs. Each
// connection subscribes with {"assets_ids": [...], "type": "market"},
// keeps itself alive with a text "PING" every ping interval, and
// auto-reconnects with exponential backoff (1s → 30s max).
//
// Trade events flow through a bounded queue into the drainer, which
// batches them for insert: wait up to the drain timeout for a first trade,
// then greedily take whatever else is queued up to the buffer size. The
// queue enqueue is non-blocking — when the DB falls behind, trades are
// dropped and counted rather than stalling the read loops.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

const (
	tradeQueueCapacity = 10000
	wsWriteTimeout     = 10 * time.Second
	wsMaxBackoff       = 30 * time.Second
)

type tradeStore interface {
	GetActiveMarkets(ctx context.Context, limit int) ([]types.Market, error)
	InsertTrades(ctx context.Context, trades []types.Trade) (int, error)
}

// TradeHealth is a point-in-time snapshot of the listener's counters.
type TradeHealth struct {
	TradesReceived    int64
	TradesInserted    int64
	TradesDropped     int64
	BatchesInserted   int64
	ConnectionsActive int
	Reconnections     int64
	QueueDepth        int
	LastTradeTS       time.Time
	LastInsertTS      time.Time
	LastReconnectTS   time.Time
	StartedAt         time.Time
}

// TradeListener consumes the market WS channel and persists trades.
// A crashed listener is rebuilt from scratch by the supervisor, so all
// state lives on the instance.
type TradeListener struct {
	wsURL  string
	store  tradeStore
	cfg    config.CollectorConfig
	logger *slog.Logger

	tradeCh chan types.Trade

	mu     sync.Mutex
	health TradeHealth
}

// NewTradeListener creates a listener for the configured WS host.
func NewTradeListener(wsURL string, store tradeStore, cfg config.CollectorConfig, logger *slog.Logger) *TradeListener {
	return &TradeListener{
		wsURL:   wsURL,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "trade_listener"),
		tradeCh: make(chan types.Trade, tradeQueueCapacity),
	}
}

// Health returns a copy of the counters plus the live queue depth.
func (l *TradeListener) Health() TradeHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.health
	h.QueueDepth = len(l.tradeCh)
	return h
}

// Run subscribes to all active tokens and blocks until ctx is cancelled.
// Residual queued trades are flushed in one final insert before returning.
func (l *TradeListener) Run(ctx context.Context) error {
	markets, err := l.store.GetActiveMarkets(ctx, l.cfg.MaxMarkets)
	if err != nil {
		return fmt.Errorf("load markets for trade feed: %w", err)
	}
	tokens := uniqueTokenIDs(markets)
	if len(tokens) == 0 {
		l.logger.Warn("no tokens to subscribe, trade listener idle")
		<-ctx.Done()
		return ctx.Err()
	}

	chunks := chunkStrings(tokens, l.cfg.WSMaxInstrumentsPerConn)
	l.logger.Info("starting trade feed",
		"tokens", len(tokens),
		"connections", len(chunks),
	)

	l.mu.Lock()
	l.health.StartedAt = time.Now()
	l.mu.Unlock()

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(conn int, ids []string) {
			defer wg.Done()
			l.subscribeLoop(ctx, conn, ids)
		}(i, chunk)
	}

	l.drainLoop(ctx)

	wg.Wait()
	l.flushRemaining()
	return ctx.Err()
}

// subscribeLoop maintains one connection for a chunk of token IDs,
// reconnecting with exponential backoff until ctx is cancelled.
func (l *TradeListener) subscribeLoop(ctx context.Context, conn int, tokenIDs []string) {
	logger := l.logger.With("conn", conn)
	backoff := time.Second

	for {
		err := l.connectAndRead(ctx, logger, tokenIDs)
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		l.health.Reconnections++
		l.health.LastReconnectTS = time.Now()
		l.mu.Unlock()

		logger.Warn("trade feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (l *TradeListener) connectAndRead(ctx context.Context, logger *slog.Logger, tokenIDs []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.wsURL+"/ws/market", nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := types.WSSubscribeMsg{AssetIDs: tokenIDs, Type: "market"}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	l.mu.Lock()
	l.health.ConnectionsActive++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.health.ConnectionsActive--
		l.mu.Unlock()
	}()

	logger.Info("trade feed connected", "tokens", len(tokenIDs))

	// Keepalive: server expects a literal text PING.
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	pingErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(l.cfg.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					pingErr <- err
					conn.Close()
					return
				}
			}
		}
	}()

	// Unblock ReadMessage on cancellation.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	readDeadline := 3 * l.cfg.WSPingInterval
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case perr := <-pingErr:
				return fmt.Errorf("ping: %w", perr)
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		l.handleFrame(msg)
	}
}

// handleFrame parses one WS frame and enqueues any trades it carries.
func (l *TradeListener) handleFrame(data []byte) {
	events := parseTradeFrame(data)
	for _, evt := range events {
		trade, ok := convertTrade(evt)
		if !ok {
			continue
		}

		l.mu.Lock()
		l.health.TradesReceived++
		l.health.LastTradeTS = time.Now()
		l.mu.Unlock()

		select {
		case l.tradeCh <- trade:
		default:
			l.mu.Lock()
			l.health.TradesDropped++
			dropped := l.health.TradesDropped
			l.mu.Unlock()
			if dropped%1000 == 1 {
				l.logger.Warn("trade queue full, dropping", "dropped_total", dropped)
			}
		}
	}
}

// parseTradeFrame extracts last_trade_price events from a frame that is
// either a single JSON object or an array of objects. Anything else is
// ignored.
func parseTradeFrame(data []byte) []types.WSTradeEvent {
	var batch []types.WSTradeEvent
	if err := json.Unmarshal(data, &batch); err == nil {
		return filterTradeEvents(batch)
	}

	var single types.WSTradeEvent
	if err := json.Unmarshal(data, &single); err == nil {
		return filterTradeEvents([]types.WSTradeEvent{single})
	}
	return nil
}

func filterTradeEvents(events []types.WSTradeEvent) []types.WSTradeEvent {
	var out []types.WSTradeEvent
	for _, evt := range events {
		if evt.EventType == "last_trade_price" {
			out = append(out, evt)
		}
	}
	return out
}

// convertTrade turns a WS event into a stored trade. The feed timestamps
// in unix milliseconds; trades carry no ID on this channel.
func convertTrade(evt types.WSTradeEvent) (types.Trade, bool) {
	if evt.AssetID == "" {
		return types.Trade{}, false
	}
	ms, err := strconv.ParseInt(evt.Timestamp, 10, 64)
	if err != nil || ms <= 0 {
		return types.Trade{}, false
	}
	price, err := strconv.ParseFloat(evt.Price, 64)
	if err != nil {
		return types.Trade{}, false
	}
	size, err := strconv.ParseFloat(evt.Size, 64)
	if err != nil {
		return types.Trade{}, false
	}

	return types.Trade{
		TS:      time.UnixMilli(ms).UTC(),
		TokenID: evt.AssetID,
		Side:    evt.Side,
		Price:   price,
		Size:    size,
	}, true
}

// drainLoop batches queued trades into inserts until ctx is cancelled.
func (l *TradeListener) drainLoop(ctx context.Context) {
	for {
		batch := l.collectBatch(ctx)
		if len(batch) > 0 {
			l.insertBatch(batch)
		}
		if ctx.Err() != nil && len(l.tradeCh) == 0 {
			return
		}
	}
}

// collectBatch waits up to the drain timeout for a first trade, then
// greedily drains whatever else is queued, capped at the buffer size.
func (l *TradeListener) collectBatch(ctx context.Context) []types.Trade {
	var batch []types.Trade

	select {
	case tr := <-l.tradeCh:
		batch = append(batch, tr)
	case <-ctx.Done():
		return l.drainQueued(nil)
	case <-time.After(l.cfg.TradeBatchDrainTimeout):
		return nil
	}

	return l.drainQueued(batch)
}

// drainQueued takes queued trades without blocking, up to the buffer size.
func (l *TradeListener) drainQueued(batch []types.Trade) []types.Trade {
	for len(batch) < l.cfg.TradeBufferSize {
		select {
		case tr := <-l.tradeCh:
			batch = append(batch, tr)
		default:
			return batch
		}
	}
	return batch
}

// insertBatch writes one batch. Insert failures drop the batch and keep
// the listener alive; the health counters record the gap.
func (l *TradeListener) insertBatch(batch []types.Trade) {
	// Fresh context: the run context may already be cancelled during the
	// final flush.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := l.store.InsertTrades(ctx, batch)
	if err != nil {
		l.logger.Error("trade batch insert failed, dropping batch",
			"trades", len(batch),
			"error", err,
		)
		return
	}

	l.mu.Lock()
	l.health.TradesInserted += int64(n)
	l.health.BatchesInserted++
	l.health.LastInsertTS = time.Now()
	l.mu.Unlock()

	l.logger.Debug("trade batch inserted", "trades", n)
}

// flushRemaining performs the final flush after all subscribers stopped.
func (l *TradeListener) flushRemaining() {
	batch := l.drainQueued(nil)
	if len(batch) == 0 {
		return
	}
	l.logger.Info("flushing remaining trades", "trades", len(batch))
	l.insertBatch(batch)
}
