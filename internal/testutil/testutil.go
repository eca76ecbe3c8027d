// Package testutil provides PostgreSQL databases for integration tests.
//
// A single PostgreSQL container is started lazily per test binary and each
// test gets its own empty database in it. Set DATABASE_URL to run against an
// existing server instead. Tests using this package are skipped with -short.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	singletonOnce sync.Once
	singletonDSN  string
	singletonErr  error
)

// ensureSingleton lazily starts the shared PostgreSQL container, or returns
// the configured external server.
func ensureSingleton() (string, error) {
	singletonOnce.Do(func() {
		if cfg := GetDatabaseConfig(); cfg.URL != "" {
			singletonDSN = cfg.URL
			return
		}

		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_INITDB_ARGS": "--auth-host=trust",
			}),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			singletonErr = fmt.Errorf("failed to start PostgreSQL container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			singletonErr = fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
			return
		}

		singletonDSN = dsn
		// Container is not stored - ryuk handles cleanup
	})

	return singletonDSN, singletonErr
}

// EmptyDB returns a connection to a new, empty database. The database is
// dropped when the test completes.
func EmptyDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, _ := EmptyDBWithDSN(tb)
	return db
}

// EmptyDBWithDSN is EmptyDB that also returns the DSN of the new database,
// for code under test that opens its own pool.
func EmptyDBWithDSN(tb testing.TB) (*sql.DB, string) {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping PostgreSQL integration test in short mode")
	}

	adminDSN, err := ensureSingleton()
	require.NoError(tb, err, "failed to start PostgreSQL")

	dbName := uniqueDBName("tachyon")
	require.NoError(tb, createDatabase(adminDSN, dbName), "failed to create test database")

	dsn, err := replaceDBName(adminDSN, dbName)
	require.NoError(tb, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(tb, err, "failed to connect to test database")
	require.NoError(tb, db.Ping(), "failed to ping test database")

	tb.Cleanup(func() {
		_ = db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = dropDatabase(ctx, adminDSN, dbName)
	})

	return db, dsn
}

func uniqueDBName(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

func createDatabase(adminDSN, name string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", name))
	return err
}

func dropDatabase(ctx context.Context, adminDSN, name string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", name))
	return err
}

// replaceDBName swaps the database path of a postgres:// URL.
func replaceDBName(dsn, name string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing DSN: %w", err)
	}
	u.Path = "/" + strings.TrimPrefix(name, "/")
	return u.String(), nil
}
