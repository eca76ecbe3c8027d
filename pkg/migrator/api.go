package migrator

import (
	"context"
	"fmt"
	"os"

	"github.com/tachyonhq/tachyon/pkg/catalog"
)

// MigrateDir loads the catalog in dir and applies it to db in one call.
// This is the high-level API for applications that run migrations on
// startup:
//
//	applied, err := migrator.MigrateDir(ctx, db, "migrations", "production")
//	if err != nil {
//	    log.Fatalf("migration failed: %v", err)
//	}
//
// The run is idempotent. Units already recorded with the same checksum are
// skipped and an edited unit fails with a DriftError.
func MigrateDir(ctx context.Context, db DB, dir, environment string, opts ...Option) (int, error) {
	m, err := NewFromDir(db, dir, environment, opts...)
	if err != nil {
		return 0, err
	}
	return m.Migrate(ctx)
}

// NewFromDir builds a Migrator over an SQLStore for the catalog in dir.
func NewFromDir(db DB, dir, environment string, opts ...Option) (*Migrator, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no migrations directory at %s: %w", dir, err)
	}

	cat, err := catalog.Load(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	return New(NewSQLStore(db), cat, environment, opts...), nil
}
