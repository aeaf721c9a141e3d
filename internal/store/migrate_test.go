package store

import (
	"strings"
	"testing"
)

func TestLoadMigrationsOrdered(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) < 7 {
		t.Fatalf("migrations = %d, want at least 7", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations out of order: %s before %s",
				migrations[i-1].Filename, migrations[i].Filename)
		}
	}
	if migrations[0].Version != 1 {
		t.Errorf("first version = %d, want 1", migrations[0].Version)
	}
	for _, m := range migrations {
		if strings.TrimSpace(m.SQL) == "" {
			t.Errorf("migration %s is empty", m.Filename)
		}
	}
}

func TestContinuousAggregatesSkipTransaction(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range migrations {
		wantNoTx := strings.Contains(m.SQL, "timescaledb.continuous")
		if got := m.NoTransaction(); got != wantNoTx {
			t.Errorf("%s: NoTransaction() = %v, want %v", m.Filename, got, wantNoTx)
		}
	}
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		filename string
		want     int
		wantErr  bool
	}{
		{"001_extensions.sql", 1, false},
		{"042_later.sql", 42, false},
		{"nounderscore.sql", 0, true},
		{"_leading.sql", 0, true},
		{"abc_bad.sql", 0, true},
	}
	for _, tc := range cases {
		got, err := parseVersion(tc.filename)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseVersion(%q): expected error", tc.filename)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseVersion(%q): %v", tc.filename, err)
		}
		if got != tc.want {
			t.Errorf("parseVersion(%q) = %d, want %d", tc.filename, got, tc.want)
		}
	}
}
