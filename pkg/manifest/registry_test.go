package manifest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyonhq/tachyon/pkg/manifest"
)

var created = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]manifest.Store {
	t.Helper()
	fs, err := manifest.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]manifest.Store{
		"memory": manifest.NewMemoryStore(),
		"file":   fs,
	}
}

func services() map[string]manifest.Service {
	return map[string]manifest.Service{
		"api":                {SHA: "a1b2c3", Image: "ghcr.io/acme/api"},
		"worker":             {SHA: "d4e5f6", Image: "ghcr.io/acme/worker"},
		"tachyon-db-migrate": {SHA: "0f0f0f", Image: "ghcr.io/acme/migrate"},
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := manifest.NewRegistry(store, manifest.WithClock(func() time.Time { return created }))

			m, err := reg.Create(ctx, "v0.2", "february release", services())
			require.NoError(t, err)
			assert.Equal(t, "0.2.0", m.Version)
			assert.Equal(t, created, m.CreatedAt)

			_, err = reg.RecordProductionDeploy(ctx, "0.2.0", "alice", "bob", created.Add(time.Hour))
			require.ErrorIs(t, err, manifest.ErrStagingNotDone)

			stagedAt := created.Add(time.Hour)
			m, err = reg.RecordStagingDeploy(ctx, "0.2.0", "ci", stagedAt)
			require.NoError(t, err)
			assert.Equal(t, stagedAt, m.Environments.Staging.DeployedAt)

			_, err = reg.RecordStagingDeploy(ctx, "0.2.0", "ci", stagedAt.Add(time.Minute))
			require.ErrorIs(t, err, manifest.ErrAlreadyRecorded)

			prodAt := created.Add(2 * time.Hour)
			m, err = reg.RecordProductionDeploy(ctx, "0.2.0", "alice", "bob", prodAt)
			require.NoError(t, err)
			assert.Equal(t, "bob", m.Environments.Production.ApprovedBy)

			_, err = reg.RecordProductionDeploy(ctx, "0.2.0", "alice", "bob", prodAt)
			require.ErrorIs(t, err, manifest.ErrAlreadyRecorded)

			read, err := reg.Read(ctx, "0.2.0")
			require.NoError(t, err)
			assert.Equal(t, services(), read.Services, "services are immutable after creation")
			assert.True(t, read.StagingDeployed())
			assert.True(t, read.ProductionDeployed())
			assert.Equal(t, "alice", read.Environments.Production.DeployedBy)
		})
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	reg := manifest.NewRegistry(manifest.NewMemoryStore())
	ctx := context.Background()

	_, err := reg.Create(ctx, "not-a-version", "", services())
	require.ErrorIs(t, err, manifest.ErrInvalidVersion)

	_, err = reg.Create(ctx, "1.0.0", "", nil)
	require.ErrorIs(t, err, manifest.ErrInvalidManifest)

	_, err = reg.Create(ctx, "1.0.0", "", map[string]manifest.Service{"api": {}})
	require.ErrorIs(t, err, manifest.ErrInvalidManifest)

	_, err = reg.Create(ctx, "1.0.0", "", services())
	require.NoError(t, err)
	_, err = reg.Create(ctx, "v1.0.0", "", services())
	require.ErrorIs(t, err, manifest.ErrVersionExists)
}

func TestRegistry_CreateCopiesServices(t *testing.T) {
	reg := manifest.NewRegistry(manifest.NewMemoryStore())
	ctx := context.Background()

	input := services()
	_, err := reg.Create(ctx, "1.0.0", "", input)
	require.NoError(t, err)
	input["api"] = manifest.Service{SHA: "tampered"}

	m, err := reg.Read(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3", m.Services["api"].SHA)
}

func TestRegistry_LatestUsesSemanticOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := manifest.NewRegistry(store)

			_, err := reg.Latest(ctx)
			require.ErrorIs(t, err, manifest.ErrNotFound)

			for _, v := range []string{"0.9.0", "0.10.0", "0.2.0", "1.0.0-rc.1"} {
				_, err := reg.Create(ctx, v, "", services())
				require.NoError(t, err)
			}

			versions, err := reg.Versions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"0.2.0", "0.9.0", "0.10.0", "1.0.0-rc.1"}, versions)

			latest, err := reg.Latest(ctx)
			require.NoError(t, err)
			assert.Equal(t, "1.0.0-rc.1", latest.Version)
		})
	}
}

func TestRegistry_ReadUnknown(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := manifest.NewRegistry(store).Read(context.Background(), "3.1.4")
			require.ErrorIs(t, err, manifest.ErrNotFound)
		})
	}
}

// racingStore bumps the revision between Get and Update to simulate a
// concurrent writer.
type racingStore struct {
	manifest.Store
}

func (s racingStore) Update(ctx context.Context, m *manifest.Manifest, expected int64) error {
	current, rev, err := s.Store.Get(ctx, m.Version)
	if err != nil {
		return err
	}
	if err := s.Store.Update(ctx, current, rev); err != nil {
		return err
	}
	return s.Store.Update(ctx, m, expected)
}

func TestRegistry_ConcurrentModificationConflicts(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := manifest.NewRegistry(store).Create(ctx, "1.0.0", "", services())
			require.NoError(t, err)

			reg := manifest.NewRegistry(racingStore{Store: store})
			_, err = reg.RecordStagingDeploy(ctx, "1.0.0", "ci", created)
			require.ErrorIs(t, err, manifest.ErrConflict)

			m, err := manifest.NewRegistry(store).Read(ctx, "1.0.0")
			require.NoError(t, err)
			assert.False(t, m.StagingDeployed(), "conflicting write must not land")
		})
	}
}
