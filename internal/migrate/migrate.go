// Package migrate applies the embedded SQL migrations through database/sql.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/lib/pq"
)

const versionTable = "schema_migrations"

// Migration is one numbered schema change.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// Migrator applies migrations and records them in schema_migrations.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *slog.Logger
}

// New loads migrations from fsys. Files must be named
// NNNNNN_name.up.sql and NNNNNN_name.down.sql.
func New(db *sql.DB, fsys fs.FS, logger *slog.Logger) (*Migrator, error) {
	migrations, err := Load(fsys)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{db: db, migrations: migrations, logger: logger.With("component", "migrate")}, nil
}

// Load reads and pairs migration files, sorted by version.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		var direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			direction = "up"
		case strings.HasSuffix(name, ".down.sql"):
			direction = "down"
		default:
			continue
		}

		base := strings.TrimSuffix(strings.TrimSuffix(name, ".sql"), "."+direction)
		version, label, ok := strings.Cut(base, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("malformed migration file name %q", name)
		}

		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		m, exists := byVersion[version]
		if !exists {
			m = &Migration{Version: version, Name: label}
			byVersion[version] = m
		}
		if direction == "up" {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Up applies every pending migration. Returns the number applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig.Version, mig.Up, true); err != nil {
			return count, fmt.Errorf("apply %s_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
		count++
	}
	return count, nil
}

// Down rolls back the most recent steps migrations.
func (m *Migrator) Down(ctx context.Context, steps int) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := len(m.migrations) - 1; i >= 0 && count < steps; i-- {
		mig := m.migrations[i]
		if !applied[mig.Version] {
			continue
		}
		if mig.Down == "" {
			return count, fmt.Errorf("migration %s_%s has no down file", mig.Version, mig.Name)
		}
		if err := m.apply(ctx, mig.Version, mig.Down, false); err != nil {
			return count, fmt.Errorf("revert %s_%s: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("migration reverted", "version", mig.Version, "name", mig.Name)
		count++
	}
	return count, nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version    VARCHAR(32) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, pq.QuoteIdentifier(versionTable))
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", versionTable, err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`SELECT version FROM %s`, pq.QuoteIdentifier(versionTable)))
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, version, body string, up bool) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}

	table := pq.QuoteIdentifier(versionTable)
	if up {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, table), version)
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, table), version)
	}
	if err != nil {
		return fmt.Errorf("record version: %w", err)
	}

	return tx.Commit()
}
