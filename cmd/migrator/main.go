package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"qshield/migrations"
	"qshield/pkg/config"
	"qshield/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	logger := config.SetupLogging(config.Env("LOG_LEVEL", "info"), config.Env("LOG_FORMAT", "json"), os.Stderr)
	ctx, cancel := context.WithTimeout(context.Background(), config.EnvDurationSec("MIGRATION_TIMEOUT_SEC", 20))
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if _, err := runMigrations(ctx, pool, migrationSource(config.Env("MIGRATIONS_DIR", "")), logger); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrationSource prefers an on-disk directory and falls back to the schema
// compiled into the binary.
func migrationSource(dir string) fs.FS {
	if strings.TrimSpace(dir) == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// migrationLockID serializes migrators started by concurrent trustd rollouts.
const migrationLockID = 0x7173686c64

type migration struct {
	name string
	sql  []byte
	sum  string
}

func validateMigrationName(name string) error {
	if !fs.ValidPath(name) || strings.Contains(name, "/") || path.Ext(name) != ".sql" {
		return fmt.Errorf("migration name %q must be a top-level .sql file", name)
	}
	return nil
}

// loadMigrations reads every *.sql file in fsys in name order. Nothing is
// applied when any file is unreadable.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	slices.Sort(names)
	out := make([]migration, 0, len(names))
	for _, name := range names {
		if err := validateMigrationName(name); err != nil {
			return nil, fmt.Errorf("invalid migration path: %w", err)
		}
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{name: name, sql: raw, sum: checksum(raw)})
	}
	return out, nil
}

func checksum(sql []byte) string {
	sum := sha256.Sum256(sql)
	return hex.EncodeToString(sum[:])
}

// pending reports whether m still has to run. A recorded checksum that no
// longer matches the file is an error; legacy rows without one are trusted.
func (m migration) pending(ctx context.Context, db migrationDB) (bool, error) {
	var recorded string
	err := db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, m.name).Scan(&recorded)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("migration lookup: %w", err)
	case recorded != "" && recorded != m.sum:
		return false, fmt.Errorf("migration %s changed after it was applied", m.name)
	}
	return false, nil
}

// apply runs m in its own transaction under the migration advisory lock. The
// marker row goes in first so a migrator that lost the race rolls back
// without touching the schema.
func (m migration) apply(ctx context.Context, db migrationDB) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("lock migration %s: %w", m.name, err)
	}
	tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2) ON CONFLICT (filename) DO NOTHING`, m.name, m.sum)
	if err != nil {
		return false, fmt.Errorf("mark migration %s: %w", m.name, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, string(m.sql)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return true, nil
}

// runMigrations applies every unapplied *.sql file in fsys in name order,
// one transaction per file. A file whose content changed after it was
// applied stops the run.
func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logger zerolog.Logger) (int, error) {
	if db == nil {
		return 0, errors.New("db required")
	}
	if fsys == nil {
		return 0, errors.New("migration source required")
	}
	list, err := loadMigrations(fsys)
	if err != nil {
		return 0, err
	}
	// Both statements share one implicit transaction, so the lock also covers
	// concurrent CREATE TABLE IF NOT EXISTS.
	if _, err := db.Exec(ctx, fmt.Sprintf(`
		SELECT pg_advisory_xact_lock(%d);
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, migrationLockID)); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range list {
		todo, err := m.pending(ctx, db)
		if err != nil {
			return applied, err
		}
		if !todo {
			continue
		}
		started := time.Now()
		ran, err := m.apply(ctx, db)
		if err != nil {
			return applied, err
		}
		if !ran {
			logger.Info().Str("file", m.name).Msg("migration_applied_elsewhere")
			continue
		}
		applied++
		logger.Info().Str("file", m.name).Dur("took", time.Since(started)).Msg("migration_applied")
	}
	logger.Info().Int("files", len(list)).Int("applied", applied).Msg("migrations_complete")
	return applied, nil
}
