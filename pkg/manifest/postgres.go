package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tachyonhq/tachyon/internal/pgerr"
)

// DefaultTable is the manifest table used when none is configured.
const DefaultTable = "tachyon_release_manifests"

// Execer is the subset of *sql.DB used by PostgresStore.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore keeps manifests as JSONB documents:
//
//	version     TEXT PRIMARY KEY
//	document    JSONB
//	revision    BIGINT
//	created_at  TIMESTAMPTZ
//	updated_at  TIMESTAMPTZ
//
// Updates are conditional on the revision column.
type PostgresStore struct {
	db    Execer
	table string
}

// NewPostgresStore creates a store over db. Call EnsureTable before use.
func NewPostgresStore(db Execer, table string) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

// EnsureTable creates the manifest table if it is absent.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	version    TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	revision   BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.quotedTable()))
	if err != nil {
		return fmt.Errorf("creating manifest table %s: %w", s.table, err)
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, m *Manifest) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, document, revision) VALUES ($1, $2, 1)`, s.quotedTable()),
		m.Version, string(doc))
	if pgerr.Is(err, pgerr.UniqueViolation) {
		return fmt.Errorf("%w: %s", ErrVersionExists, m.Version)
	}
	if err != nil {
		return fmt.Errorf("inserting manifest %s: %w", m.Version, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, version string) (*Manifest, int64, error) {
	var doc []byte
	var revision int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT document, revision FROM %s WHERE version = $1`, s.quotedTable()),
		version).Scan(&doc, &revision)
	if errors.Is(err, sql.ErrNoRows) || pgerr.Is(err, pgerr.UndefinedTable) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("querying manifest %s: %w", version, err)
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, 0, fmt.Errorf("decoding manifest %s: %w", version, err)
	}
	return &m, revision, nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, m *Manifest, expectedRevision int64) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET document = $2, revision = revision + 1, updated_at = now()
		WHERE version = $1 AND revision = $3
	`, s.quotedTable()), m.Version, string(doc), expectedRevision)
	if err != nil {
		return fmt.Errorf("updating manifest %s: %w", m.Version, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating manifest %s: %w", m.Version, err)
	}
	if n == 1 {
		return nil
	}

	if _, _, err := s.Get(ctx, m.Version); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s, expected revision %d", ErrConflict, m.Version, expectedRevision)
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT version FROM %s`, s.quotedTable()))
	if pgerr.Is(err, pgerr.UndefinedTable) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing manifests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning manifest version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
