//go:build integration

package main

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"qshield/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("qshield"),
		postgres.WithUsername("qshield"),
		postgres.WithPassword("qshield"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// go test -tags=integration -run TestMigratorAgainstPostgres ./cmd/migrator/...
func TestMigratorAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration")
	}
	ctx := context.Background()
	pool := startPostgres(t)
	quiet := zerolog.New(io.Discard)

	// Two migrators racing must apply each file exactly once between them.
	var wg sync.WaitGroup
	counts := make([]int, 2)
	errs := make([]error, 2)
	for i := range counts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i], errs[i] = runMigrations(ctx, pool, migrations.FS, quiet)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("migrator %d: %v", i, err)
		}
	}
	if counts[0]+counts[1] != 4 {
		t.Fatalf("expected 4 applications in total, got %v", counts)
	}

	for _, table := range []string{"evidence_records", "certificates", "protected_zones", "agent_audit"} {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil || !exists {
			t.Fatalf("table %s: exists=%v err=%v", table, exists, err)
		}
	}
	var recorded string
	if err := pool.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename='001_evidence.sql'`).Scan(&recorded); err != nil {
		t.Fatalf("checksum row: %v", err)
	}
	raw, _ := migrations.FS.ReadFile("001_evidence.sql")
	if recorded != checksum(raw) {
		t.Fatalf("recorded checksum %s does not match file", recorded)
	}

	if applied, err := runMigrations(ctx, pool, migrations.FS, quiet); err != nil || applied != 0 {
		t.Fatalf("rerun: applied=%d err=%v", applied, err)
	}
}
