package collector

import (
	"encoding/json"
	"testing"
	"time"
)

func TestExtractMarketCamelCase(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"conditionId": "0xabc",
		"question": "Will it rain?",
		"slug": "will-it-rain",
		"outcomes": "[\"Yes\",\"No\"]",
		"clobTokenIds": "[\"111\",\"222\"]",
		"active": true,
		"closed": false,
		"endDateIso": "2026-12-31T00:00:00Z"
	}`)

	m, ok := extractMarket(raw)
	if !ok {
		t.Fatal("expected market")
	}
	if m.ConditionID != "0xabc" || m.Question != "Will it rain?" {
		t.Errorf("market = %+v", m)
	}
	if len(m.ClobTokenIDs) != 2 || m.ClobTokenIDs[0] != "111" {
		t.Errorf("tokens = %v", m.ClobTokenIDs)
	}
	if len(m.Outcomes) != 2 || m.Outcomes[0] != "Yes" {
		t.Errorf("outcomes = %v", m.Outcomes)
	}
	if m.EndDateISO == nil || m.EndDateISO.Year() != 2026 {
		t.Errorf("end date = %v", m.EndDateISO)
	}
	if m.MarketType != "normal" {
		t.Errorf("market type = %q, want normal default", m.MarketType)
	}
}

func TestExtractMarketSnakeCaseFallback(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"condition_id": "0xdef",
		"question": "Q",
		"clob_token_ids": ["333","444"],
		"market_type": "scalar"
	}`)

	m, ok := extractMarket(raw)
	if !ok {
		t.Fatal("expected market")
	}
	if m.ConditionID != "0xdef" {
		t.Errorf("condition id = %q", m.ConditionID)
	}
	if len(m.ClobTokenIDs) != 2 || m.ClobTokenIDs[1] != "444" {
		t.Errorf("tokens = %v", m.ClobTokenIDs)
	}
	if m.MarketType != "scalar" {
		t.Errorf("market type = %q", m.MarketType)
	}
	// Absent flags default to active, not closed.
	if !m.Active || m.Closed {
		t.Errorf("active = %v closed = %v, want true false", m.Active, m.Closed)
	}
}

func TestExtractMarketMissingConditionID(t *testing.T) {
	t.Parallel()

	if _, ok := extractMarket(json.RawMessage(`{"question": "no id"}`)); ok {
		t.Error("expected skip for market without condition id")
	}
	if _, ok := extractMarket(json.RawMessage(`"not an object"`)); ok {
		t.Error("expected skip for non-object")
	}
}

func TestExtractPriceTuples(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	raw := json.RawMessage(`{
		"conditionId": "0xabc",
		"clobTokenIds": "[\"111\",\"222\"]",
		"outcomePrices": "[\"0.62\",\"0.38\"]",
		"volume24hr": 1234.5
	}`)

	tuples := extractPriceTuples(now, raw)
	if len(tuples) != 2 {
		t.Fatalf("tuples = %d, want 2", len(tuples))
	}
	if tuples[0].TokenID != "111" || tuples[0].Price != 0.62 {
		t.Errorf("tuple[0] = %+v", tuples[0])
	}
	if tuples[1].TokenID != "222" || tuples[1].Price != 0.38 {
		t.Errorf("tuple[1] = %+v", tuples[1])
	}
	for _, tp := range tuples {
		if !tp.TS.Equal(now) {
			t.Errorf("ts = %v, want %v", tp.TS, now)
		}
		if tp.Volume24h != 1234.5 {
			t.Errorf("volume = %v", tp.Volume24h)
		}
	}
}

func TestExtractPriceTuplesSkipsBadEntries(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	// Empty token id and unparseable price are skipped per entry.
	raw := json.RawMessage(`{
		"clobTokenIds": ["", "222", "333"],
		"outcomePrices": ["0.5", "abc", "0.3"]
	}`)
	tuples := extractPriceTuples(now, raw)
	if len(tuples) != 1 || tuples[0].TokenID != "333" {
		t.Errorf("tuples = %+v, want only token 333", tuples)
	}

	// Malformed token array skips the whole market.
	if got := extractPriceTuples(now, json.RawMessage(`{"clobTokenIds": "oops", "outcomePrices": ["0.5"]}`)); got != nil {
		t.Errorf("expected nil for malformed tokens, got %+v", got)
	}

	// Mismatched lengths zip to the shorter side.
	raw = json.RawMessage(`{"clobTokenIds": ["1","2","3"], "outcomePrices": ["0.1"]}`)
	if got := extractPriceTuples(now, raw); len(got) != 1 {
		t.Errorf("expected 1 tuple for short prices, got %d", len(got))
	}
}

func TestFloatStringForms(t *testing.T) {
	t.Parallel()

	var doc struct {
		V floatString `json:"v"`
	}
	cases := []struct {
		raw  string
		want float64
	}{
		{`{"v": 12.5}`, 12.5},
		{`{"v": "12.5"}`, 12.5},
		{`{"v": null}`, 0},
		{`{"v": ""}`, 0},
		{`{"v": "garbage"}`, 0},
	}
	for _, tc := range cases {
		doc.V = -1
		if err := json.Unmarshal([]byte(tc.raw), &doc); err != nil {
			t.Errorf("%s: %v", tc.raw, err)
			continue
		}
		if float64(doc.V) != tc.want {
			t.Errorf("%s: v = %v, want %v", tc.raw, doc.V, tc.want)
		}
	}
}

func TestInferWinner(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	raw := json.RawMessage(`{
		"conditionId": "0xabc",
		"outcomes": "[\"Yes\",\"No\"]",
		"clobTokenIds": "[\"111\",\"222\"]",
		"outcomePrices": "[\"0\",\"1\"]"
	}`)

	res := inferWinner(raw, now)
	if res == nil {
		t.Fatal("expected resolution")
	}
	if res.Outcome != "No" || res.WinnerTokenID != "222" {
		t.Errorf("resolution = %+v", res)
	}
	if res.PayoutPrice != 1.0 {
		t.Errorf("payout = %v", res.PayoutPrice)
	}
	if res.DetectionMethod != "gamma_api_polling" {
		t.Errorf("method = %q", res.DetectionMethod)
	}
	if !res.ResolvedAt.Equal(now) {
		t.Errorf("resolved at = %v", res.ResolvedAt)
	}
}

func TestInferWinnerNoSettledOutcome(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cases := []struct {
		name string
		raw  string
	}{
		{"still trading", `{"conditionId":"c","outcomes":["Yes","No"],"outcomePrices":["0.6","0.4"]}`},
		{"no prices", `{"conditionId":"c","outcomes":["Yes","No"]}`},
		{"no condition id", `{"outcomes":["Yes","No"],"outcomePrices":["1","0"]}`},
		{"winner has no label", `{"conditionId":"c","outcomes":["Yes"],"outcomePrices":["0","1"]}`},
		{"malformed", `"nope"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if res := inferWinner(json.RawMessage(tc.raw), now); res != nil {
				t.Errorf("expected nil, got %+v", res)
			}
		})
	}
}
