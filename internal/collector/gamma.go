// gamma.go parses raw market objects from the Gamma API.
//
// The Gamma API is loose about field naming (camelCase vs snake_case,
// numbers vs strings, native vs stringified arrays), so every accessor
// here tolerates both spellings and defaults sensibly instead of failing
// a whole page for one malformed market.
package collector

import (
	"encoding/json"
	"strconv"
	"time"

	"polymarket-collector/pkg/types"
)

// floatString accepts a JSON number, a numeric string, or null.
type floatString float64

func (f *floatString) UnmarshalJSON(data []byte) error {
	*f = 0
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return nil
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			*f = floatString(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = floatString(v)
	}
	return nil
}

// rawMarket mirrors one market object from Gamma, with both field
// spellings mapped. Pointer booleans distinguish absent from false.
type rawMarket struct {
	ConditionID      string `json:"conditionId"`
	ConditionIDSnake string `json:"condition_id"`

	Question string `json:"question"`
	Slug     string `json:"slug"`

	MarketType      string `json:"marketType"`
	MarketTypeSnake string `json:"market_type"`

	Outcomes      types.StringOrList `json:"outcomes"`
	OutcomePrices types.StringOrList `json:"outcomePrices"`

	ClobTokenIDs      types.StringOrList `json:"clobTokenIds"`
	ClobTokenIDsSnake types.StringOrList `json:"clob_token_ids"`

	Active *bool `json:"active"`
	Closed *bool `json:"closed"`

	EndDateISO      string `json:"endDateIso"`
	EndDateISOSnake string `json:"end_date_iso"`
	EndDate         string `json:"endDate"`

	Volume24hr      floatString `json:"volume24hr"`
	Volume24hrSnake floatString `json:"volume_24hr"`
}

func (r *rawMarket) conditionID() string {
	if r.ConditionID != "" {
		return r.ConditionID
	}
	return r.ConditionIDSnake
}

func (r *rawMarket) marketType() string {
	if r.MarketType != "" {
		return r.MarketType
	}
	if r.MarketTypeSnake != "" {
		return r.MarketTypeSnake
	}
	return "normal"
}

func (r *rawMarket) tokenIDs() ([]string, bool) {
	if r.ClobTokenIDs.Valid {
		return r.ClobTokenIDs.Values, true
	}
	if r.ClobTokenIDsSnake.Valid {
		return r.ClobTokenIDsSnake.Values, true
	}
	return nil, false
}

func (r *rawMarket) active() bool {
	if r.Active == nil {
		return true
	}
	return *r.Active
}

func (r *rawMarket) closed() bool {
	if r.Closed == nil {
		return false
	}
	return *r.Closed
}

func (r *rawMarket) volume24h() float64 {
	if r.Volume24hr != 0 {
		return float64(r.Volume24hr)
	}
	return float64(r.Volume24hrSnake)
}

func (r *rawMarket) endDate() *time.Time {
	for _, candidate := range []string{r.EndDateISO, r.EndDateISOSnake, r.EndDate} {
		if candidate == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, candidate); err == nil {
			return &t
		}
	}
	return nil
}

// parseRawMarket decodes one raw market object. Returns false when the
// JSON is not an object at all.
func parseRawMarket(raw json.RawMessage) (*rawMarket, bool) {
	var m rawMarket
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// extractMarket converts a raw market into the stored representation.
// Returns false when the market has no condition ID (nothing to key on).
func extractMarket(raw json.RawMessage) (*types.Market, bool) {
	m, ok := parseRawMarket(raw)
	if !ok {
		return nil, false
	}
	conditionID := m.conditionID()
	if conditionID == "" {
		return nil, false
	}

	tokens, _ := m.tokenIDs()
	return &types.Market{
		ConditionID:  conditionID,
		Question:     m.Question,
		Slug:         m.Slug,
		MarketType:   m.marketType(),
		Outcomes:     m.Outcomes.Values,
		ClobTokenIDs: tokens,
		Active:       m.active(),
		Closed:       m.closed(),
		EndDateISO:   m.endDate(),
	}, true
}

// extractPriceTuples zips a market's token IDs with its outcome prices at
// matching indexes. Markets with malformed token or price arrays yield
// nothing; empty token IDs and unparseable prices are skipped per entry.
func extractPriceTuples(now time.Time, raw json.RawMessage) []types.PriceSnapshot {
	m, ok := parseRawMarket(raw)
	if !ok {
		return nil
	}

	tokens, tokensOK := m.tokenIDs()
	if !tokensOK || !m.OutcomePrices.Valid {
		return nil
	}
	prices := m.OutcomePrices.Values

	n := len(tokens)
	if len(prices) < n {
		n = len(prices)
	}

	volume := m.volume24h()
	var snapshots []types.PriceSnapshot
	for i := 0; i < n; i++ {
		if tokens[i] == "" {
			continue
		}
		price, err := strconv.ParseFloat(prices[i], 64)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, types.PriceSnapshot{
			TS:        now,
			TokenID:   tokens[i],
			Price:     price,
			Volume24h: volume,
		})
	}
	return snapshots
}

// inferWinner determines the winning outcome of a closed market: the first
// outcome whose price equals 1.0. Returns nil when the market is malformed
// or no outcome has settled at 1.0 yet.
func inferWinner(raw json.RawMessage, now time.Time) *types.Resolution {
	m, ok := parseRawMarket(raw)
	if !ok {
		return nil
	}
	conditionID := m.conditionID()
	if conditionID == "" || !m.OutcomePrices.Valid || !m.Outcomes.Valid {
		return nil
	}

	tokens, _ := m.tokenIDs()
	for i, p := range m.OutcomePrices.Values {
		price, err := strconv.ParseFloat(p, 64)
		if err != nil || price != 1.0 {
			continue
		}

		var outcome string
		if i < len(m.Outcomes.Values) {
			outcome = m.Outcomes.Values[i]
		}
		var winnerToken string
		if i < len(tokens) {
			winnerToken = tokens[i]
		}
		if outcome == "" {
			return nil
		}

		return &types.Resolution{
			ConditionID:     conditionID,
			Outcome:         outcome,
			WinnerTokenID:   winnerToken,
			ResolvedAt:      now,
			PayoutPrice:     1.0,
			DetectionMethod: "gamma_api_polling",
		}
	}
	return nil
}
