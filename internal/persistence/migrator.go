package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"ClearingHouse/internal/observability"
)

// Migrator applies the SQL files under migrations/ in filename order.
// File naming follows the {version}_{name}.up.sql / .down.sql convention;
// applied versions are tracked in clearing.schema_migrations so the service
// can run Up on every boot.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{
		db:     db,
		dir:    migrationsDir,
		logger: observability.NewLogger("migrator"),
	}
}

// Up applies every pending up-migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}

	files, err := m.migrationFiles(".up.sql")
	if err != nil {
		return fmt.Errorf("scan %s: %w", m.dir, err)
	}

	for _, file := range files {
		version := versionOf(file)
		if applied[version] {
			continue
		}
		if err := m.applyFile(ctx, file, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO clearing.schema_migrations (version, filename) VALUES ($1, $2)`,
				version, file)
			return err
		}); err != nil {
			return err
		}
		m.logger.Info().Str("migration", file).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM clearing.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if err == sql.ErrNoRows {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read latest version: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	if err := m.applyFile(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM clearing.schema_migrations WHERE version = $1`, version)
		return err
	}); err != nil {
		return err
	}
	m.logger.Info().Str("migration", downFile).Msg("migration rolled back")
	return nil
}

// applyFile executes one migration file and its bookkeeping statement in a
// single transaction.
func (m *Migrator) applyFile(ctx context.Context, file string, record func(*sql.Tx) error) error {
	body, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

// ensureVersionTable creates the clearing schema and version table. The
// schema must exist before the first migration file runs, because the
// version table lives inside it.
func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS clearing;
		CREATE TABLE IF NOT EXISTS clearing.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM clearing.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) migrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// versionOf returns the numeric prefix of a migration filename, e.g.
// "000001_event_log.up.sql" yields "000001".
func versionOf(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
