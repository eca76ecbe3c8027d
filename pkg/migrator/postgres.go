package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tachyonhq/tachyon/internal/pgerr"
	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/checksum"
)

// DefaultTrackingTable is the tracking table used when none is configured.
const DefaultTrackingTable = "tachyon_schema_migrations"

// SQLStore keeps tracking records in a PostgreSQL table.
//
// The table has one row per applied version:
//
//	version      TEXT PRIMARY KEY
//	description  TEXT
//	applied_at   TIMESTAMPTZ
//	checksum     TEXT
//	environment  TEXT
//
// Units are applied inside a transaction opened on the DB; PostgreSQL DDL is
// transactional so a failed unit leaves neither schema changes nor a record.
type SQLStore struct {
	db    DB
	table string
}

// SQLStoreOption configures an SQLStore.
type SQLStoreOption func(*SQLStore)

// WithTrackingTable overrides the tracking table name.
func WithTrackingTable(name string) SQLStoreOption {
	return func(s *SQLStore) {
		if name != "" {
			s.table = name
		}
	}
}

// NewSQLStore creates a tracking store over db. The caller owns db and is
// responsible for closing it.
func NewSQLStore(db DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, table: DefaultTrackingTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the tracking table name.
func (s *SQLStore) Table() string {
	return s.table
}

func (s *SQLStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

// TrackingTableDDL returns the CREATE TABLE statement for the tracking table.
func (s *SQLStore) TrackingTableDDL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	version     TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	checksum    TEXT NOT NULL,
	environment TEXT NOT NULL
)`, s.quotedTable())
}

// EnsureTrackingTable creates the tracking table if it is absent.
func (s *SQLStore) EnsureTrackingTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.TrackingTableDDL()); err != nil {
		return fmt.Errorf("creating tracking table %s: %w", s.table, err)
	}
	return nil
}

// tableExists checks pg_class for the tracking table in the current schema.
func (s *SQLStore) tableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE c.relname = $1
			AND n.nspname = current_schema()
		)
	`, s.table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking tracking table %s: %w", s.table, err)
	}
	return exists, nil
}

// ListApplied returns all tracking records. A missing table yields no records
// so that status never creates schema.
func (s *SQLStore) ListApplied(ctx context.Context) ([]Record, error) {
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT version, description, checksum, applied_at, environment
		FROM %s
		ORDER BY length(ltrim(version, '0')), ltrim(version, '0'), version
	`, s.quotedTable()))
	if err != nil {
		return nil, fmt.Errorf("querying tracking records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0, 32)
	for rows.Next() {
		var rec Record
		var digest string
		if err := rows.Scan(&rec.Version, &rec.Description, &digest, &rec.AppliedAt, &rec.Environment); err != nil {
			return nil, fmt.Errorf("scanning tracking record: %w", err)
		}
		rec.Checksum = checksum.Digest(digest)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetApplied returns the tracking record for version.
func (s *SQLStore) GetApplied(ctx context.Context, version string) (Record, error) {
	var rec Record
	var digest string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version, description, checksum, applied_at, environment
		FROM %s
		WHERE version = $1
	`, s.quotedTable()), version).Scan(&rec.Version, &rec.Description, &digest, &rec.AppliedAt, &rec.Environment)
	if errors.Is(err, sql.ErrNoRows) || pgerr.Is(err, pgerr.UndefinedTable) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying tracking record %s: %w", version, err)
	}
	rec.Checksum = checksum.Digest(digest)
	return rec, nil
}

// Apply runs the unit and records it in one transaction. The deferred
// rollback is a no-op once Commit succeeds.
func (s *SQLStore) Apply(ctx context.Context, unit catalog.Unit, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(unit.Content)); err != nil {
		return fmt.Errorf("executing migration content: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (version, description, checksum, applied_at, environment)
		VALUES ($1, $2, $3, $4, $5)
	`, s.quotedTable()), rec.Version, rec.Description, string(rec.Checksum), rec.AppliedAt, rec.Environment)
	if err != nil {
		if pgerr.Is(err, pgerr.UniqueViolation) {
			return fmt.Errorf("%w: %s", ErrConcurrentApply, rec.Version)
		}
		return fmt.Errorf("inserting tracking record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}
