// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const pgImage = "postgres:16-alpine"

var gooseOnce sync.Once

// PGTest returns a migrated test database and registers cleanup with t.
// When POSTGRES_URL is set it connects there (CI provides a server);
// otherwise it starts a throwaway PostgreSQL container. Tests are skipped
// when neither a URL nor a container runtime is available.
//
//	db := testutil.PGTest(t)
//
// Cleanup truncates all application tables so packages sharing a database
// do not leak rows into each other.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = startContainer(t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	t.Cleanup(func() {
		truncateAll(ctx, db)
		_ = db.Close()
	})
	return db
}

// startContainer launches a disposable PostgreSQL container and returns its
// connection string. Skips the test when no container runtime is reachable.
func startContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, pgImage,
		postgres.WithDatabase("ledgersync_test"),
		postgres.WithUsername("ledgersync"),
		postgres.WithPassword("ledgersync"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("pgtest: no POSTGRES_URL and container start failed: %v", err)
	}

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn
}

// migrate applies all goose migrations from the project migrations/ dir.
func migrate(ctx context.Context, db *sql.DB) error {
	gooseOnce.Do(func() {
		goose.SetLogger(goose.NopLogger())
	})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	dir, err := findMigrationsDir()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return goose.UpContext(ctx, db, dir)
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. The goose bookkeeping table is left alone so re-running
// migrations against a shared POSTGRES_URL is a no-op.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// TRUNCATE all at once with CASCADE to handle FK dependencies.
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}
