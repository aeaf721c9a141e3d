package scanner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-collector/internal/config"
	"polymarket-collector/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		PollInterval: time.Second,
		MinSpread:    0.02,
		MinSizeUSD:   50.0,
		MaxEvents:    500,
	}
}

type fakeSource struct {
	mu        sync.Mutex
	markets   []json.RawMessage
	books     map[string]types.BookResponse
	bookCalls [][]string
}

func (f *fakeSource) GetAllActiveMarkets(_ context.Context, _ int) ([]json.RawMessage, error) {
	return f.markets, nil
}

func (f *fakeSource) GetOrderbooks(_ context.Context, tokenIDs []string) ([]types.BookResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls = append(f.bookCalls, tokenIDs)
	var out []types.BookResponse
	for _, id := range tokenIDs {
		if b, ok := f.books[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func rawGamma(t *testing.T, conditionID, question string, tokens []string) json.RawMessage {
	t.Helper()
	m := map[string]any{
		"question":    question,
		"conditionId": conditionID,
		"slug":        question,
		"active":      true,
		"closed":      false,
	}
	if tokens != nil {
		encoded, err := json.Marshal(tokens)
		if err != nil {
			t.Fatal(err)
		}
		// Gamma delivers the array stringified.
		m["clobTokenIds"] = string(encoded)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func book(assetID string, askPrice, askSize string) types.BookResponse {
	return types.BookResponse{
		AssetID: assetID,
		Asks:    []types.PriceLevel{{Price: askPrice, Size: askSize}},
	}
}

func TestScanOnceFindsUnderpricedPair(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		markets: []json.RawMessage{
			rawGamma(t, "0xaaa", "cheap-pair", []string{"111", "112"}),
			rawGamma(t, "0xbbb", "fair-pair", []string{"221", "222"}),
		},
		books: map[string]types.BookResponse{
			// 0.45 + 0.50 = 0.95: 5 cents of edge, deep enough.
			"111": book("111", "0.45", "1000"),
			"112": book("112", "0.50", "1000"),
			// 0.50 + 0.50 = 1.00: no edge.
			"221": book("221", "0.50", "1000"),
			"222": book("222", "0.50", "1000"),
		},
	}

	s := New(src, src, testScannerConfig(), testLogger())
	result, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.MarketsTotal != 2 {
		t.Errorf("MarketsTotal = %d, want 2", result.MarketsTotal)
	}
	if len(result.Opportunities) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(result.Opportunities))
	}

	opp := result.Opportunities[0]
	if opp.ConditionID != "0xaaa" {
		t.Errorf("condition = %s, want 0xaaa", opp.ConditionID)
	}
	if !opp.Edge.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("edge = %s, want 0.05", opp.Edge)
	}
	if !opp.CombinedCost.Equal(decimal.RequireFromString("0.95")) {
		t.Errorf("combined = %s, want 0.95", opp.CombinedCost)
	}
	// Thinner leg: 0.45 * 1000 = 450 USD.
	if !opp.MaxSizeUSD.Equal(decimal.RequireFromString("450")) {
		t.Errorf("max size = %s, want 450", opp.MaxSizeUSD)
	}
}

func TestScanOnceFiltersThinBooks(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		markets: []json.RawMessage{
			rawGamma(t, "0xaaa", "thin-pair", []string{"111", "112"}),
		},
		books: map[string]types.BookResponse{
			// Plenty of edge but only 40 USD executable on the thin leg.
			"111": book("111", "0.40", "100"),
			"112": book("112", "0.50", "500"),
		},
	}

	s := New(src, src, testScannerConfig(), testLogger())
	result, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Opportunities) != 0 {
		t.Fatalf("thin book passed the size filter: %+v", result.Opportunities)
	}
}

func TestParseCandidates(t *testing.T) {
	t.Parallel()

	raw := []json.RawMessage{
		rawGamma(t, "0xaaa", "good", []string{"111", "112"}),
		rawGamma(t, "", "no-condition", []string{"211", "212"}),
		rawGamma(t, "0xccc", "one-token", []string{"311"}),
		rawGamma(t, "0xddd", "no-tokens", nil),
		json.RawMessage(`{"conditionId":"0xeee","active":false,"closed":false,"clobTokenIds":"[\"411\",\"412\"]"}`),
		json.RawMessage(`not json`),
	}

	got := parseCandidates(raw)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].ConditionID != "0xaaa" {
		t.Errorf("candidate = %+v", got[0])
	}
}

func TestBestAsk(t *testing.T) {
	t.Parallel()

	// Levels arrive unordered; the lowest parseable ask wins.
	levels := []types.PriceLevel{
		{Price: "0.55", Size: "100"},
		{Price: "abc", Size: "999"},
		{Price: "0.52", Size: "40"},
		{Price: "0.60", Size: "10"},
	}
	price, size, ok := bestAsk(levels)
	if !ok {
		t.Fatal("no best ask found")
	}
	if !price.Equal(decimal.RequireFromString("0.52")) {
		t.Errorf("price = %s, want 0.52", price)
	}
	if !size.Equal(decimal.RequireFromString("40")) {
		t.Errorf("size = %s, want 40", size)
	}

	if _, _, ok := bestAsk(nil); ok {
		t.Error("empty side returned a best ask")
	}
	if _, _, ok := bestAsk([]types.PriceLevel{{Price: "0", Size: "10"}}); ok {
		t.Error("zero price returned a best ask")
	}
}

func TestFetchBooksChunks(t *testing.T) {
	t.Parallel()

	books := make(map[string]types.BookResponse)
	var tokens []string
	for i := 0; i < 45; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		tokens = append(tokens, id)
		books[id] = book(id, "0.50", "10")
	}
	src := &fakeSource{books: books}

	s := New(src, src, testScannerConfig(), testLogger())
	got, err := s.fetchBooks(context.Background(), tokens)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 45 {
		t.Errorf("got %d books, want 45", len(got))
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.bookCalls) != 3 {
		t.Fatalf("got %d chunk calls, want 3", len(src.bookCalls))
	}
	total := 0
	for _, call := range src.bookCalls {
		if len(call) > bookChunkSize {
			t.Errorf("chunk of %d exceeds limit %d", len(call), bookChunkSize)
		}
		total += len(call)
	}
	if total != 45 {
		t.Errorf("chunks covered %d tokens, want 45", total)
	}
}

func TestScanPublishesLatestResult(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		markets: []json.RawMessage{
			rawGamma(t, "0xaaa", "cheap-pair", []string{"111", "112"}),
		},
		books: map[string]types.BookResponse{
			"111": book("111", "0.45", "1000"),
			"112": book("112", "0.50", "1000"),
		},
	}

	s := New(src, src, testScannerConfig(), testLogger())

	// Two scans without a reader: the second replaces the stale first.
	s.scan(context.Background())
	s.scan(context.Background())

	select {
	case result := <-s.Results():
		if len(result.Opportunities) != 1 {
			t.Errorf("got %d opportunities, want 1", len(result.Opportunities))
		}
	default:
		t.Fatal("no result published")
	}
}
