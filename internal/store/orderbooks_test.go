package store

import (
	"testing"

	"polymarket-collector/pkg/types"
)

func TestEncodeLevelsRoundTrip(t *testing.T) {
	t.Parallel()

	levels := []types.PriceLevel{
		{Price: "0.55", Size: "100.5"},
		{Price: "0.54", Size: "250"},
	}

	data, err := encodeLevels(levels)
	if err != nil {
		t.Fatalf("encodeLevels: %v", err)
	}
	want := `{"levels":[["0.55","100.5"],["0.54","250"]]}`
	if string(data) != want {
		t.Errorf("encoded = %s, want %s", data, want)
	}

	back, err := decodeLevels(data)
	if err != nil {
		t.Fatalf("decodeLevels: %v", err)
	}
	if len(back) != 2 || back[0] != levels[0] || back[1] != levels[1] {
		t.Errorf("round trip = %+v, want %+v", back, levels)
	}
}

func TestEncodeLevelsEmpty(t *testing.T) {
	t.Parallel()

	data, err := encodeLevels(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"levels":[]}` {
		t.Errorf("encoded = %s", data)
	}
}

func TestDecodeLevelsNull(t *testing.T) {
	t.Parallel()

	levels, err := decodeLevels(nil)
	if err != nil || levels != nil {
		t.Errorf("decodeLevels(nil) = %v, %v; want nil, nil", levels, err)
	}
}

func TestNullableID(t *testing.T) {
	t.Parallel()

	if got := nullableID(""); got != nil {
		t.Errorf("nullableID(\"\") = %v, want nil", got)
	}
	if got := nullableID("abc"); got != "abc" {
		t.Errorf("nullableID(abc) = %v", got)
	}
}
