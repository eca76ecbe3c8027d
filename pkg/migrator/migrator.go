package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/checksum"
)

// Stages used in log attributes.
const (
	stageLookup = "lookup"
	stageApply  = "apply"
	stageSkip   = "skip"
	stageDrift  = "drift"
)

// MigrateOptions controls a migration run.
type MigrateOptions struct {
	// DryRun writes the SQL that would run to the writer instead of applying
	// it. Drift is still reported as an error.
	DryRun io.Writer
}

// Status partitions the catalog by presence in the tracking store.
type Status struct {
	// Applied holds the records of catalog units, in catalog order.
	Applied []Record

	// Pending holds catalog units with no record, in catalog order.
	Pending []catalog.Unit

	// Orphaned holds records whose version is not in the catalog. They are
	// reported only and never modified.
	Orphaned []Record
}

// Migrator applies catalog units to a tracking store in order.
//
// Each unit is handled independently:
//
//	absent            -> apply content + insert record in one transaction
//	present, same sum -> skip
//	present, new sum  -> DriftError, run stops
//
// A failed unit stops the run. Units applied earlier in the same run stay
// committed.
//
// # Usage
//
//	cat, _ := catalog.Load(os.DirFS("migrations"))
//	m := migrator.New(migrator.NewSQLStore(db), cat, "staging")
//	applied, err := m.Migrate(ctx)
type Migrator struct {
	store       TrackingStore
	catalog     *catalog.Catalog
	environment string
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source used for applied_at.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a migrator that stamps records with environment.
func New(store TrackingStore, cat *catalog.Catalog, environment string, opts ...Option) *Migrator {
	m := &Migrator{
		store:       store,
		catalog:     cat,
		environment: environment,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("environment", environment)
	return m
}

// Catalog returns the catalog the migrator applies.
func (m *Migrator) Catalog() *catalog.Catalog {
	return m.catalog
}

// EnsureTrackingStore creates the tracking table if needed. Safe to call
// repeatedly.
func (m *Migrator) EnsureTrackingStore(ctx context.Context) error {
	return m.store.EnsureTrackingTable(ctx)
}

// Status reads the tracking store and partitions the catalog into applied
// and pending units. Nothing is cached between calls.
func (m *Migrator) Status(ctx context.Context) (*Status, error) {
	records, err := m.store.ListApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}

	byVersion := make(map[string]Record, len(records))
	for _, rec := range records {
		byVersion[rec.Version] = rec
	}

	status := &Status{}
	for _, unit := range m.catalog.Units() {
		if rec, ok := byVersion[unit.Version]; ok {
			status.Applied = append(status.Applied, rec)
			delete(byVersion, unit.Version)
			continue
		}
		status.Pending = append(status.Pending, unit)
	}

	for _, rec := range records {
		if _, orphan := byVersion[rec.Version]; orphan {
			status.Orphaned = append(status.Orphaned, rec)
		}
	}

	return status, nil
}

// Migrate applies every pending unit and returns how many were applied in
// this run.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	return m.MigrateWithOptions(ctx, MigrateOptions{})
}

// MigrateWithOptions is Migrate with dry-run support. In dry-run mode the
// returned count is the number of units that would be applied.
func (m *Migrator) MigrateWithOptions(ctx context.Context, opts MigrateOptions) (int, error) {
	if opts.DryRun == nil {
		if err := m.EnsureTrackingStore(ctx); err != nil {
			return 0, err
		}
	} else {
		m.writeDryRunHeader(opts.DryRun)
	}

	applied := 0
	for _, unit := range m.catalog.Units() {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		ok, err := m.migrateUnit(ctx, unit, opts)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}

	if opts.DryRun == nil {
		m.logger.InfoContext(ctx, "migration run complete", "applied", applied, "total", m.catalog.Len())
	}
	return applied, nil
}

// migrateUnit handles one unit. It returns true when the unit was applied
// (or would be, in dry-run mode).
func (m *Migrator) migrateUnit(ctx context.Context, unit catalog.Unit, opts MigrateOptions) (bool, error) {
	log := m.logger.With("version", unit.Version)
	computed := checksum.Compute(unit.Content)

	existing, err := m.store.GetApplied(ctx, unit.Version)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		// not applied yet
	case err != nil:
		log.ErrorContext(ctx, "tracking lookup failed", "stage", stageLookup, "error", err)
		return false, fmt.Errorf("looking up migration %s: %w", unit.Version, err)
	default:
		if checksum.Compare(existing.Checksum, computed) == checksum.Mismatch {
			drift := &DriftError{
				Version:  unit.Version,
				Source:   unit.Source,
				Recorded: existing.Checksum,
				Computed: computed,
			}
			log.ErrorContext(ctx, "applied migration was modified", "stage", stageDrift,
				"recorded", existing.Checksum, "computed", computed)
			return false, drift
		}
		log.DebugContext(ctx, "migration already applied", "stage", stageSkip)
		return false, nil
	}

	rec := Record{
		Version:     unit.Version,
		Description: unit.Description,
		Checksum:    computed,
		AppliedAt:   m.now(),
		Environment: m.environment,
	}

	if opts.DryRun != nil {
		m.writeDryRunUnit(opts.DryRun, unit, rec)
		return true, nil
	}

	log.InfoContext(ctx, "applying migration", "stage", stageApply, "description", unit.Description)
	if err := m.store.Apply(ctx, unit, rec); err != nil {
		log.ErrorContext(ctx, "migration rolled back", "stage", stageApply, "error", err)
		return false, &TransactionError{Version: unit.Version, Err: err}
	}
	log.InfoContext(ctx, "migration applied", "stage", stageApply, "checksum", computed.Short())
	return true, nil
}

// Verify compares every applied catalog unit with its record without
// modifying anything.
func (m *Migrator) Verify(ctx context.Context) ([]DriftError, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}

	var drifted []DriftError
	for _, rec := range status.Applied {
		unit, ok := m.catalog.Lookup(rec.Version)
		if !ok {
			continue
		}
		computed := checksum.Compute(unit.Content)
		if checksum.Compare(rec.Checksum, computed) == checksum.Mismatch {
			drifted = append(drifted, DriftError{
				Version:  rec.Version,
				Source:   unit.Source,
				Recorded: rec.Checksum,
				Computed: computed,
			})
		}
	}
	return drifted, nil
}

func (m *Migrator) writeDryRunHeader(w io.Writer) {
	_, _ = fmt.Fprintf(w, "-- Tachyon migration (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Environment: %s\n", m.environment)
	_, _ = fmt.Fprintf(w, "-- Catalog units: %d\n\n", m.catalog.Len())
}

func (m *Migrator) writeDryRunUnit(w io.Writer, unit catalog.Unit, rec Record) {
	_, _ = fmt.Fprintf(w, "-- ============================================================\n")
	_, _ = fmt.Fprintf(w, "-- %s: %s\n", unit.Version, unit.Description)
	_, _ = fmt.Fprintf(w, "-- checksum: %s\n", rec.Checksum)
	_, _ = fmt.Fprintf(w, "-- ============================================================\n\n")
	_, _ = fmt.Fprintf(w, "BEGIN;\n%s\n", string(unit.Content))
	table := "tracking"
	if named, ok := m.store.(interface{ Table() string }); ok {
		table = named.Table()
	}
	_, _ = fmt.Fprintf(w, "INSERT INTO %s (version, description, checksum, environment)\n", table)
	_, _ = fmt.Fprintf(w, "VALUES ('%s', '%s', '%s', '%s');\nCOMMIT;\n\n",
		rec.Version, escapeLiteral(rec.Description), rec.Checksum, escapeLiteral(rec.Environment))
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
