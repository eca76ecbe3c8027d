package migrator_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/checksum"
	"github.com/tachyonhq/tachyon/pkg/migrator"
	"github.com/tachyonhq/tachyon/pkg/migrator/memory"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustCatalog(t *testing.T, units ...catalog.Unit) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New(units...)
	require.NoError(t, err)
	return cat
}

func unit(version, content string) catalog.Unit {
	return catalog.Unit{Version: version, Description: "unit " + version, Content: []byte(content)}
}

func newMigrator(store migrator.TrackingStore, cat *catalog.Catalog) *migrator.Migrator {
	return migrator.New(store, cat, "staging", migrator.WithClock(func() time.Time { return fixedNow }))
}

func TestMigrate_EmptyStoreAppliesUnit(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newMigrator(store, mustCatalog(t, unit("001", "A")))

	applied, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.True(t, store.TableCreated())

	rec, err := store.GetApplied(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, checksum.Compute([]byte("A")), rec.Checksum)
	assert.Equal(t, "staging", rec.Environment)
	assert.Equal(t, "unit 001", rec.Description)
	assert.Equal(t, fixedNow, rec.AppliedAt)
}

func TestMigrate_SecondRunAppliesNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newMigrator(store, mustCatalog(t, unit("001", "A"), unit("002", "B"), unit("003", "C")))

	first, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first)

	second, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second)

	assert.Equal(t, []string{"001", "002", "003"}, store.Executed())
}

func TestMigrate_MatchingRecordSkips(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("A")), Environment: "staging"})
	m := newMigrator(store, mustCatalog(t, unit("001", "A")))

	applied, err := m.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Empty(t, store.Executed())
}

func TestMigrate_DriftDetected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	original := migrator.Record{
		Version:     "001",
		Description: "original",
		Checksum:    checksum.Compute([]byte("B")),
		AppliedAt:   fixedNow.Add(-time.Hour),
		Environment: "staging",
	}
	store.Seed(original)
	m := newMigrator(store, mustCatalog(t, unit("001", "A"), unit("002", "next")))

	applied, err := m.Migrate(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, applied)
	assert.True(t, migrator.IsDrift(err))

	var drift *migrator.DriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, "001", drift.Version)
	assert.Equal(t, original.Checksum, drift.Recorded)
	assert.Equal(t, checksum.Compute([]byte("A")), drift.Computed)

	rec, err := store.GetApplied(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, original, rec, "drift must not modify the record")

	_, err = store.GetApplied(ctx, "002")
	assert.ErrorIs(t, err, migrator.ErrRecordNotFound, "units after drift must not be attempted")
}

func TestMigrate_TransactionFailureStopsRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	boom := errors.New("syntax error at or near \"CREAT\"")
	store.OnApply(func(u catalog.Unit) error {
		if u.Version == "002" {
			return boom
		}
		return nil
	})
	m := newMigrator(store, mustCatalog(t, unit("001", "A"), unit("002", "B"), unit("003", "C")))

	applied, err := m.Migrate(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.ErrorIs(t, err, migrator.ErrTransactionFailed)
	assert.ErrorIs(t, err, boom)

	var txErr *migrator.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "002", txErr.Version)

	// 001 stays committed, 002 rolled back, 003 never attempted.
	assert.Equal(t, []string{"001"}, store.Executed())
	_, err = store.GetApplied(ctx, "002")
	assert.ErrorIs(t, err, migrator.ErrRecordNotFound)
	_, err = store.GetApplied(ctx, "003")
	assert.ErrorIs(t, err, migrator.ErrRecordNotFound)
}

func TestMigrate_AppliesInCatalogOrder(t *testing.T) {
	store := memory.New()
	m := newMigrator(store, mustCatalog(t, unit("010", "J"), unit("002", "B"), unit("001", "A")))

	_, err := m.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002", "010"}, store.Executed())
}

func TestMigrate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := memory.New()
	m := newMigrator(store, mustCatalog(t, unit("001", "A")))

	_, err := m.Migrate(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Executed())
}

func TestStatus_PartitionsCatalog(t *testing.T) {
	cat := mustCatalog(t, unit("001", "A"), unit("002", "B"), unit("003", "C"), unit("004", "D"))

	seeds := [][]string{
		{},
		{"001"},
		{"001", "003"},
		{"001", "002", "003", "004"},
		{"002", "004", "999"},
	}

	for _, applied := range seeds {
		store := memory.New()
		for _, v := range applied {
			store.Seed(migrator.Record{Version: v, Checksum: "x"})
		}

		status, err := newMigrator(store, cat).Status(context.Background())
		require.NoError(t, err)

		seen := make(map[string]int)
		for _, rec := range status.Applied {
			seen[rec.Version]++
		}
		for _, u := range status.Pending {
			seen[u.Version]++
		}

		assert.Len(t, seen, cat.Len(), "union must equal catalog for %v", applied)
		for _, u := range cat.Units() {
			assert.Equal(t, 1, seen[u.Version], "version %s must appear exactly once for %v", u.Version, applied)
		}
	}
}

func TestStatus_ReportsOrphans(t *testing.T) {
	store := memory.New()
	store.Seed(migrator.Record{Version: "001", Checksum: "x"})
	store.Seed(migrator.Record{Version: "900", Checksum: "y"})

	status, err := newMigrator(store, mustCatalog(t, unit("001", "A"))).Status(context.Background())
	require.NoError(t, err)

	require.Len(t, status.Orphaned, 1)
	assert.Equal(t, "900", status.Orphaned[0].Version)
	assert.Len(t, status.Applied, 1)
	assert.Empty(t, status.Pending)
}

func TestStatus_ReflectsStoreAtCallTime(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newMigrator(store, mustCatalog(t, unit("001", "A")))

	before, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, before.Pending, 1)

	store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("A"))})

	after, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Pending)
	assert.Len(t, after.Applied, 1)
}

func TestStatus_DoesNotCreateTrackingTable(t *testing.T) {
	store := memory.New()
	_, err := newMigrator(store, mustCatalog(t, unit("001", "A"))).Status(context.Background())
	require.NoError(t, err)
	assert.False(t, store.TableCreated())
}

func TestEnsureTrackingStore_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	m := newMigrator(store, mustCatalog(t, unit("001", "A")))

	require.NoError(t, m.EnsureTrackingStore(ctx))
	require.NoError(t, m.EnsureTrackingStore(ctx))
	assert.True(t, store.TableCreated())
}

func TestMigrateWithOptions_DryRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("SELECT 1;"))})
	m := newMigrator(store, mustCatalog(t,
		unit("001", "SELECT 1;"),
		catalog.Unit{Version: "002", Description: "add o'reilly", Content: []byte("CREATE TABLE books (id int);")},
	))

	var buf bytes.Buffer
	n, err := m.MigrateWithOptions(ctx, migrator.MigrateOptions{DryRun: &buf})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.Executed())

	out := buf.String()
	assert.Contains(t, out, "-- Tachyon migration (dry-run)")
	assert.Contains(t, out, "CREATE TABLE books (id int);")
	assert.Contains(t, out, "add o''reilly")
	assert.NotContains(t, out, "SELECT 1;")
}

func TestMigrateWithOptions_DryRunStillReportsDrift(t *testing.T) {
	store := memory.New()
	store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("old"))})
	m := newMigrator(store, mustCatalog(t, unit("001", "new")))

	var buf bytes.Buffer
	_, err := m.MigrateWithOptions(context.Background(), migrator.MigrateOptions{DryRun: &buf})
	require.ErrorIs(t, err, migrator.ErrDriftDetected)
}

func TestVerify(t *testing.T) {
	store := memory.New()
	store.Seed(migrator.Record{Version: "001", Checksum: checksum.Compute([]byte("A"))})
	store.Seed(migrator.Record{Version: "002", Checksum: checksum.Compute([]byte("old"))})
	m := newMigrator(store, mustCatalog(t, unit("001", "A"), unit("002", "B"), unit("003", "C")))

	drifted, err := m.Verify(context.Background())
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, "002", drifted[0].Version)
	assert.Empty(t, store.Executed())
}
