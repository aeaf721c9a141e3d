// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the collector — market metadata,
// price and order book snapshots, trades, resolutions, trading signals, and
// WebSocket event payloads. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"bytes"
	"encoding/json"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// SignalType enumerates the strategies that can emit a trading signal.
type SignalType string

const (
	SignalSameEvent     SignalType = "same_event"
	SignalMeanReversion SignalType = "mean_reversion"
	SignalSpread        SignalType = "spread"
)

// ————————————————————————————————————————————————————————————————————————
// Stringified-JSON fields
// ————————————————————————————————————————————————————————————————————————

// StringOrList handles Gamma API fields that arrive either as a native JSON
// array or as a JSON array encoded inside a string, e.g.
//
//	"outcomes": ["Yes","No"]            (native)
//	"outcomes": "[\"Yes\",\"No\"]"      (stringified, the common case)
//
// Unmarshal never fails the enclosing object for a malformed value; callers
// check Valid to decide whether to skip the record.
type StringOrList struct {
	Values []string
	Valid  bool
}

// UnmarshalJSON accepts a JSON array, a stringified JSON array, or null.
func (s *StringOrList) UnmarshalJSON(data []byte) error {
	s.Values = nil
	s.Valid = false

	if string(data) == "null" {
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		if raw == "" {
			return nil
		}
		data = []byte(raw)
	}

	var strs []string
	if err := json.Unmarshal(data, &strs); err == nil {
		s.Values = strs
		s.Valid = true
		return nil
	}

	// Elements may also be numbers ("outcomePrices" in native form);
	// decode with UseNumber so they normalize to their string spelling.
	var list []json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&list); err == nil {
		s.Values = make([]string, len(list))
		for i, v := range list {
			s.Values[i] = v.String()
		}
		s.Valid = true
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the stored representation of a Polymarket market, keyed by CTF
// condition ID. Outcomes and ClobTokenIDs are index-aligned: Outcomes[i] is
// the human label for the token at ClobTokenIDs[i].
type Market struct {
	ConditionID  string     // CTF condition ID, primary key
	Question     string     // the prediction question
	Slug         string     // human-readable URL slug
	MarketType   string     // e.g. "normal"
	Outcomes     []string   // outcome labels, usually ["Yes","No"]
	ClobTokenIDs []string   // CLOB token IDs, aligned with Outcomes
	Active       bool       // market is live
	Closed       bool       // market has been resolved upstream
	EndDateISO   *time.Time // scheduled resolution time, nil if unknown
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GammaEvent is the JSON shape of one event from the Gamma /events endpoint.
// Each event groups one or more markets (e.g. every candidate in a race).
type GammaEvent struct {
	ID      string            `json:"id"`
	Slug    string            `json:"slug"`
	Title   string            `json:"title"`
	Closed  bool              `json:"closed"`
	Markets []json.RawMessage `json:"markets"`
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// PriceSnapshot is one observation of a token's outcome price.
type PriceSnapshot struct {
	TS        time.Time
	TokenID   string
	Price     float64
	Volume24h float64
}

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the CLOB REST response for a single token's book,
// returned by GET /book and each element of POST /books.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
}

// OrderbookSnapshot is a stored point-in-time view of one token's book.
// Bids and Asks persist as JSONB documents of the form
// {"levels": [[price, size], ...]}. Spread and Midpoint are nil when either
// side of the book was empty at capture time.
type OrderbookSnapshot struct {
	TS       time.Time
	TokenID  string
	Bids     []PriceLevel
	Asks     []PriceLevel
	Spread   *float64
	Midpoint *float64
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one executed trade observed on the market WebSocket channel.
// TradeID is empty for WS-sourced trades (the feed does not carry one);
// the partial unique index on trades(trade_id, ts) only applies when set.
type Trade struct {
	TS      time.Time
	TokenID string
	Side    string // "BUY" or "SELL"
	Price   float64
	Size    float64
	TradeID string
}

// ————————————————————————————————————————————————————————————————————————
// Resolutions
// ————————————————————————————————————————————————————————————————————————

// Resolution records the detected outcome of a closed market.
type Resolution struct {
	ConditionID     string
	Outcome         string // winning outcome label, e.g. "Yes"
	WinnerTokenID   string
	ResolvedAt      time.Time
	PayoutPrice     float64 // 1.0 for the winner in a binary market
	DetectionMethod string  // how the winner was inferred
	CreatedAt       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a ranked trading opportunity emitted by the analysis layer.
// Strength is normalized to [0,1]; EdgePct is the estimated edge in percent.
type Signal struct {
	Type        SignalType
	TokenID     string
	ConditionID string
	Side        Side
	Strength    float64
	EdgePct     float64
	Reason      string
	GeneratedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to JSON messages on the Polymarket market WS channel.
// The collector only consumes "last_trade_price"; other event types are
// ignored at the dispatch layer.

// WSTradeEvent is a trade print from the market channel.
// Timestamp is unix milliseconds encoded as a string.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // "last_trade_price"
	AssetID   string `json:"asset_id"`   // token ID that traded
	Market    string `json:"market"`     // condition ID
	Side      string `json:"side"`       // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"` // unix ms
}

// WSSubscribeMsg is the subscription message sent after connecting to the
// market channel.
type WSSubscribeMsg struct {
	AssetIDs []string `json:"assets_ids"` // token IDs to subscribe
	Type     string   `json:"type"`       // always "market"
}
