package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/cli"
	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/promotion"
)

// withReleaseConfig installs a release config for the duration of the test.
func withReleaseConfig(t *testing.T, rc cli.ReleaseConfig) {
	t.Helper()
	prev := cfg
	cfg = &cli.Config{Release: rc}
	t.Cleanup(func() { cfg = prev })
}

func newTestRegistry(t *testing.T) *manifest.Registry {
	t.Helper()
	reg := manifest.NewRegistry(manifest.NewMemoryStore())
	_, err := reg.Create(context.Background(), "0.2.0", "", map[string]manifest.Service{
		"api":    {SHA: "a1b2c3"},
		"worker": {SHA: "d4e5f6"},
	})
	require.NoError(t, err)
	return reg
}

func TestNewPromotionGate_DryRunRecordsNothing(t *testing.T) {
	withReleaseConfig(t, cli.ReleaseConfig{})
	reg := newTestRegistry(t)
	ctx := context.Background()

	gate, err := newPromotionGate(reg, audit.Nop{}, promotion.Staging, true)
	require.NoError(t, err)

	res, err := gate.PromoteToStaging(ctx, "0.2.0", nil, "ci")
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Len(t, res.Artifacts, 2)

	gate, err = newPromotionGate(reg, audit.Nop{}, promotion.Production, true)
	require.NoError(t, err)
	_, err = gate.PromoteToProduction(ctx, "0.2.0", "alice", "bob")
	require.ErrorIs(t, err, manifest.ErrStagingNotDone)

	m, err := reg.Read(ctx, "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.StagingDeployed())
	assert.False(t, m.ProductionDeployed())
}

func TestNewPromotionGate_RequiresWebhook(t *testing.T) {
	withReleaseConfig(t, cli.ReleaseConfig{})
	reg := newTestRegistry(t)

	for _, env := range []string{promotion.Staging, promotion.Production} {
		_, err := newPromotionGate(reg, audit.Nop{}, env, false)
		require.Error(t, err, env)

		var exitErr *cli.ExitError
		require.True(t, errors.As(err, &exitErr))
		assert.Equal(t, cli.ExitConfig, exitErr.Code)
		assert.Contains(t, err.Error(), "release.deploy.webhooks."+env)
	}

	m, err := reg.Read(context.Background(), "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.StagingDeployed())
}

func TestNewPromotionGate_WebhookRecordsStaging(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rc := cli.ReleaseConfig{}
	rc.Deploy.Webhooks = map[string]string{promotion.Staging: srv.URL}
	withReleaseConfig(t, rc)
	reg := newTestRegistry(t)

	gate, err := newPromotionGate(reg, audit.Nop{}, promotion.Staging, false)
	require.NoError(t, err)

	res, err := gate.PromoteToStaging(context.Background(), "0.2.0", nil, "ci")
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, res.Manifest.StagingDeployed())

	_, err = newPromotionGate(reg, audit.Nop{}, promotion.Production, false)
	require.Error(t, err, "a staging-only webhook must not enable production")
}
