// migrate.go runs the embedded SQL migrations.
//
// Files under migrations/ are named NNN_description.sql and applied in
// numeric order. Applied versions are tracked in schema_migrations; a
// migration runs inside its own transaction unless the file opens with a
// "-- no-transaction" marker (TimescaleDB continuous aggregates refuse to
// be created in one). The tracking INSERT runs after the DDL commits, so a
// crash between the two re-runs the migration, so every statement is
// written to be idempotent (IF NOT EXISTS / if_not_exists).
package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationDir = "migrations"

// Migration is one pending schema change.
type Migration struct {
	Version  int
	Filename string
	SQL      string
}

// NoTransaction reports whether the migration must run outside a
// transaction block.
func (m Migration) NoTransaction() bool {
	return strings.HasPrefix(strings.TrimSpace(m.SQL), "-- no-transaction")
}

// loadMigrations parses and sorts the embedded migration files.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var migrations []Migration
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, err := parseVersion(name)
		if err != nil {
			return nil, err
		}
		data, err := migrationFS.ReadFile(migrationDir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:  version,
			Filename: name,
			SQL:      string(data),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)",
				migrations[i].Version, migrations[i-1].Filename, migrations[i].Filename)
		}
	}
	return migrations, nil
}

// parseVersion extracts the numeric prefix from NNN_description.sql.
func parseVersion(filename string) (int, error) {
	idx := strings.IndexByte(filename, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("migration %s: missing version prefix", filename)
	}
	v, err := strconv.Atoi(filename[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %s: bad version prefix: %w", filename, err)
	}
	return v, nil
}

// Migrate applies all pending migrations. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			filename   TEXT,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		if m.NoTransaction() {
			if _, err := s.pool.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Filename, err)
			}
		} else {
			tx, err := s.pool.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin migration %s: %w", m.Filename, err)
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				tx.Rollback(ctx)
				return fmt.Errorf("apply migration %s: %w", m.Filename, err)
			}
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit migration %s: %w", m.Filename, err)
			}
		}

		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`,
			m.Version, m.Filename); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Filename, err)
		}

		s.logger.Info("applied migration", "version", m.Version, "file", m.Filename)
	}

	return nil
}
