package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"polymarket-collector/pkg/types"
)

func newTestListener(sink *fakeSink) *TradeListener {
	return NewTradeListener("wss://example", sink, testCollectorConfig(), testLogger())
}

func TestParseTradeFrameSingleObject(t *testing.T) {
	t.Parallel()

	frame := []byte(`{"event_type":"last_trade_price","asset_id":"111","side":"BUY","price":"0.55","size":"10","timestamp":"1700000000000"}`)
	events := parseTradeFrame(frame)
	if len(events) != 1 || events[0].AssetID != "111" {
		t.Errorf("events = %+v", events)
	}
}

func TestParseTradeFrameArray(t *testing.T) {
	t.Parallel()

	frame := []byte(`[
		{"event_type":"last_trade_price","asset_id":"1","price":"0.5","size":"1","timestamp":"1700000000000"},
		{"event_type":"book","asset_id":"2"},
		{"event_type":"last_trade_price","asset_id":"3","price":"0.6","size":"2","timestamp":"1700000000001"}
	]`)
	events := parseTradeFrame(frame)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (book event filtered)", len(events))
	}
	if events[0].AssetID != "1" || events[1].AssetID != "3" {
		t.Errorf("events = %+v", events)
	}
}

func TestParseTradeFrameGarbage(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{`PONG`, `42`, `"string"`, ``} {
		if events := parseTradeFrame([]byte(frame)); len(events) != 0 {
			t.Errorf("frame %q: events = %+v, want none", frame, events)
		}
	}
}

func TestConvertTrade(t *testing.T) {
	t.Parallel()

	evt := types.WSTradeEvent{
		EventType: "last_trade_price",
		AssetID:   "111",
		Side:      "SELL",
		Price:     "0.37",
		Size:      "250.5",
		Timestamp: "1700000000123",
	}
	trade, ok := convertTrade(evt)
	if !ok {
		t.Fatal("expected conversion")
	}
	if trade.TokenID != "111" || trade.Side != "SELL" || trade.Price != 0.37 || trade.Size != 250.5 {
		t.Errorf("trade = %+v", trade)
	}
	want := time.UnixMilli(1700000000123).UTC()
	if !trade.TS.Equal(want) {
		t.Errorf("ts = %v, want %v", trade.TS, want)
	}
	if trade.TradeID != "" {
		t.Errorf("ws trades carry no id, got %q", trade.TradeID)
	}
}

func TestConvertTradeRejectsMalformed(t *testing.T) {
	t.Parallel()

	base := types.WSTradeEvent{
		AssetID: "1", Price: "0.5", Size: "1", Timestamp: "1700000000000",
	}
	mutations := []func(*types.WSTradeEvent){
		func(e *types.WSTradeEvent) { e.AssetID = "" },
		func(e *types.WSTradeEvent) { e.Timestamp = "not-a-number" },
		func(e *types.WSTradeEvent) { e.Timestamp = "0" },
		func(e *types.WSTradeEvent) { e.Price = "" },
		func(e *types.WSTradeEvent) { e.Size = "x" },
	}
	for i, mutate := range mutations {
		evt := base
		mutate(&evt)
		if _, ok := convertTrade(evt); ok {
			t.Errorf("mutation %d: expected rejection", i)
		}
	}
}

func TestCollectBatchGreedyDrain(t *testing.T) {
	t.Parallel()

	l := newTestListener(&fakeSink{})
	for i := 0; i < 25; i++ {
		l.tradeCh <- types.Trade{TokenID: "t", Price: 0.5, Size: 1}
	}

	batch := l.collectBatch(context.Background())
	if len(batch) != 25 {
		t.Errorf("batch = %d, want 25 (greedy drain)", len(batch))
	}
}

func TestCollectBatchCapsAtBufferSize(t *testing.T) {
	t.Parallel()

	cfg := testCollectorConfig()
	cfg.TradeBufferSize = 10
	l := NewTradeListener("wss://example", &fakeSink{}, cfg, testLogger())
	for i := 0; i < 30; i++ {
		l.tradeCh <- types.Trade{TokenID: "t"}
	}

	batch := l.collectBatch(context.Background())
	if len(batch) != 10 {
		t.Errorf("batch = %d, want 10 (buffer cap)", len(batch))
	}
	if len(l.tradeCh) != 20 {
		t.Errorf("queued = %d, want 20 left for next batch", len(l.tradeCh))
	}
}

func TestCollectBatchTimesOutEmpty(t *testing.T) {
	t.Parallel()

	l := newTestListener(&fakeSink{})
	start := time.Now()
	batch := l.collectBatch(context.Background())
	if batch != nil {
		t.Errorf("batch = %+v, want nil", batch)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("returned too fast: %v (should wait drain timeout)", elapsed)
	}
}

func TestHandleFrameDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	l := newTestListener(&fakeSink{})
	// Fill the queue to capacity, then push one more frame.
	for i := 0; i < tradeQueueCapacity; i++ {
		l.tradeCh <- types.Trade{}
	}
	l.handleFrame([]byte(`{"event_type":"last_trade_price","asset_id":"1","price":"0.5","size":"1","timestamp":"1700000000000"}`))

	h := l.Health()
	if h.TradesReceived != 1 {
		t.Errorf("received = %d, want 1", h.TradesReceived)
	}
	if h.TradesDropped != 1 {
		t.Errorf("dropped = %d, want 1", h.TradesDropped)
	}
	if h.QueueDepth != tradeQueueCapacity {
		t.Errorf("queue depth = %d, want %d", h.QueueDepth, tradeQueueCapacity)
	}
}

func TestInsertBatchRecordsHealth(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	l := newTestListener(sink)
	l.insertBatch([]types.Trade{{TokenID: "a"}, {TokenID: "b"}})

	h := l.Health()
	if h.TradesInserted != 2 || h.BatchesInserted != 1 {
		t.Errorf("health = %+v", h)
	}
	if len(sink.trades) != 1 || len(sink.trades[0]) != 2 {
		t.Errorf("sink batches = %+v", sink.trades)
	}
}

func TestInsertBatchDropsOnError(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{insertErr: errors.New("db down")}
	l := newTestListener(sink)
	l.insertBatch([]types.Trade{{TokenID: "a"}})

	h := l.Health()
	if h.TradesInserted != 0 || h.BatchesInserted != 0 {
		t.Errorf("failed insert must not count: %+v", h)
	}
}

func TestFlushRemaining(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	l := newTestListener(sink)
	for i := 0; i < 7; i++ {
		l.tradeCh <- types.Trade{TokenID: "t"}
	}

	l.flushRemaining()
	if len(sink.trades) != 1 || len(sink.trades[0]) != 7 {
		t.Errorf("flush = %+v, want one batch of 7", sink.trades)
	}
	if len(l.tradeCh) != 0 {
		t.Errorf("queue not empty after flush: %d", len(l.tradeCh))
	}
}
