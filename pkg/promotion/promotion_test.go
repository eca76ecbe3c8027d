package promotion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/pkg/health"
	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/promotion"
)

var now = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type deployCall struct {
	env       string
	artifacts []promotion.Artifact
}

type fakeDeployer struct {
	mu    sync.Mutex
	calls []deployCall
	err   error
}

func (d *fakeDeployer) Deploy(_ context.Context, env string, artifacts []promotion.Artifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, deployCall{env: env, artifacts: artifacts})
	return d.err
}

type fakeProber struct {
	mu      sync.Mutex
	probed  []string
	failing map[string]bool
}

func (p *fakeProber) WaitHealthy(_ context.Context, url string) (health.Report, error) {
	p.mu.Lock()
	p.probed = append(p.probed, url)
	fail := p.failing[url]
	p.mu.Unlock()

	if fail {
		last := health.Report{URL: url, StatusCode: 503}
		return last, &health.TimeoutError{URL: url, Attempts: 3, Last: last}
	}
	return health.Report{URL: url, Healthy: true, StatusCode: 200, Attempts: 1}, nil
}

type fixture struct {
	registry *manifest.Registry
	deployer *fakeDeployer
	prober   *fakeProber
	events   *audit.Memory
	gate     *promotion.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: manifest.NewRegistry(manifest.NewMemoryStore(), manifest.WithClock(func() time.Time { return now })),
		deployer: &fakeDeployer{},
		prober:   &fakeProber{failing: map[string]bool{}},
		events:   &audit.Memory{},
	}
	f.gate = promotion.NewGate(promotion.Config{
		Registry: f.registry,
		Deployer: f.deployer,
		Prober:   f.prober,
		Services: []promotion.ServiceSpec{
			{Name: "api", Image: "ghcr.io/acme/api", HealthURLs: map[string]string{
				"staging":    "https://api.staging.acme.dev/healthz",
				"production": "https://api.acme.dev/healthz",
			}},
			{Name: "worker", Image: "ghcr.io/acme/worker"},
			{Name: "tachyon-db-migrate", Image: "ghcr.io/acme/migrate"},
			{Name: "web", Image: "ghcr.io/acme/web", HealthURLs: map[string]string{
				"staging": "https://staging.acme.dev/healthz",
			}},
		},
		Emitter: f.events,
		Now:     func() time.Time { return now.Add(time.Hour) },
	})
	return f
}

func (f *fixture) create(t *testing.T, version string) *manifest.Manifest {
	t.Helper()
	m, err := f.registry.Create(context.Background(), version, "", map[string]manifest.Service{
		"api":                {SHA: "api-" + version},
		"worker":             {SHA: "worker-" + version, Tag: "w-" + version},
		"tachyon-db-migrate": {SHA: "mig-" + version},
	})
	require.NoError(t, err)
	return m
}

func shas(artifacts []promotion.Artifact) map[string]string {
	out := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		out[a.Service] = a.SHA
	}
	return out
}

func TestPromoteToStaging_EffectiveSHAs(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")

	res, err := f.gate.PromoteToStaging(context.Background(), "0.2.0", map[string]string{"api": "hotfix1"}, "ci")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"api":                "hotfix1",
		"worker":             "worker-0.2.0",
		"tachyon-db-migrate": "mig-0.2.0",
		"web":                promotion.LatestSHA,
	}, shas(res.Artifacts))

	require.Len(t, f.deployer.calls, 1)
	assert.Equal(t, "staging", f.deployer.calls[0].env)

	images := map[string]string{}
	for _, a := range res.Artifacts {
		images[a.Service] = a.Image
	}
	assert.Equal(t, "ghcr.io/acme/api:hotfix1", images["api"])
	assert.Equal(t, "ghcr.io/acme/worker:w-0.2.0", images["worker"])
	assert.Equal(t, "ghcr.io/acme/web:latest", images["web"])

	assert.ElementsMatch(t, []string{"https://api.staging.acme.dev/healthz", "https://staging.acme.dev/healthz"}, f.prober.probed)
	assert.Len(t, res.Health, 2)

	m, err := f.registry.Read(context.Background(), "0.2.0")
	require.NoError(t, err)
	require.True(t, m.StagingDeployed())
	assert.Equal(t, "ci", m.Environments.Staging.DeployedBy)
	assert.Equal(t, now.Add(time.Hour), m.Environments.Staging.DeployedAt)
	assert.Equal(t, "api-0.2.0", m.Services["api"].SHA, "overrides never touch pinned services")

	assert.Equal(t, []string{audit.PromotionStarted, audit.PromotionSucceeded}, f.events.Types())
}

func TestPromoteToStaging_UnknownOverride(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")

	_, err := f.gate.PromoteToStaging(context.Background(), "0.2.0", map[string]string{"billing": "abc"}, "ci")
	require.ErrorIs(t, err, promotion.ErrUnknownService)
	assert.Empty(t, f.deployer.calls)
}

func TestPromoteToStaging_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")

	_, err := f.gate.PromoteToStaging(context.Background(), "0.2.0", nil, "ci")
	require.NoError(t, err)

	_, err = f.gate.PromoteToStaging(context.Background(), "0.2.0", nil, "ci")
	require.ErrorIs(t, err, manifest.ErrAlreadyRecorded)
	assert.Len(t, f.deployer.calls, 1)
}

func TestPromoteToStaging_HealthTimeoutLeavesManifest(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")
	f.prober.failing["https://staging.acme.dev/healthz"] = true

	_, err := f.gate.PromoteToStaging(context.Background(), "0.2.0", nil, "ci")
	require.ErrorIs(t, err, health.ErrHealthCheckTimeout)

	var timeout *health.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Contains(t, err.Error(), "service web")

	m, err := f.registry.Read(context.Background(), "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.StagingDeployed())

	events := f.events.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.PromotionFailed, events[1].Type)
	assert.Equal(t, "health", events[1].Attributes["reason"])
}

func TestPromoteToStaging_DeployFailure(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")
	f.deployer.err = errors.New("cluster unreachable")

	_, err := f.gate.PromoteToStaging(context.Background(), "0.2.0", nil, "ci")
	require.ErrorIs(t, err, promotion.ErrDeployFailed)
	assert.Empty(t, f.prober.probed)

	m, err := f.registry.Read(context.Background(), "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.StagingDeployed())
}

func TestPromoteToProduction_StagingNotDone(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")

	_, err := f.gate.PromoteToProduction(context.Background(), "0.2.0", "alice", "bob")
	require.ErrorIs(t, err, manifest.ErrStagingNotDone)
	assert.Empty(t, f.deployer.calls)

	m, err := f.registry.Read(context.Background(), "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.ProductionDeployed())
}

func TestPromoteToProduction_VersionMismatch(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")
	_, err := f.gate.PromoteToStaging(context.Background(), "0.2.0", nil, "ci")
	require.NoError(t, err)
	f.deployer.calls = nil

	for _, confirm := range []string{"0.1.0", "0.2.1", "0.2", "v0.2.0", "v0.2", "garbage", ""} {
		_, err := f.gate.PromoteToProduction(context.Background(), confirm, "alice", "bob")
		require.ErrorIs(t, err, promotion.ErrVersionMismatch, "confirm %q", confirm)

		var mismatch *promotion.VersionMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, "0.2.0", mismatch.Current)
	}
	assert.Empty(t, f.deployer.calls, "mismatch must be rejected before any deploy")
}

func TestPromoteToProduction_MismatchCheckedBeforeStaging(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")

	_, err := f.gate.PromoteToProduction(context.Background(), "0.1.0", "alice", "bob")
	require.ErrorIs(t, err, promotion.ErrVersionMismatch)
}

func TestPromoteToProduction_ShipsPinnedSHAs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "0.1.0")
	_, err := f.gate.PromoteToStaging(ctx, "0.1.0", map[string]string{"api": "experimental", "worker": "wip"}, "ci")
	require.NoError(t, err)

	f.create(t, "0.2.0")
	_, err = f.gate.PromoteToStaging(ctx, "0.2.0", nil, "ci")
	require.NoError(t, err)

	res, err := f.gate.PromoteToProduction(ctx, " 0.2.0 ", "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"api":                "api-0.2.0",
		"worker":             "worker-0.2.0",
		"tachyon-db-migrate": "mig-0.2.0",
	}, shas(res.Artifacts))

	last := f.deployer.calls[len(f.deployer.calls)-1]
	assert.Equal(t, "production", last.env)
	assert.Equal(t, res.Artifacts, last.artifacts)
	assert.Contains(t, f.prober.probed, "https://api.acme.dev/healthz")

	m, err := f.registry.Read(ctx, "0.2.0")
	require.NoError(t, err)
	require.True(t, m.ProductionDeployed())
	assert.Equal(t, "alice", m.Environments.Production.DeployedBy)
	assert.Equal(t, "bob", m.Environments.Production.ApprovedBy)

	_, err = f.gate.PromoteToProduction(ctx, "0.2.0", "alice", "bob")
	require.ErrorIs(t, err, manifest.ErrAlreadyRecorded)
}

func TestPromoteToProduction_RequiresApprover(t *testing.T) {
	f := newFixture(t)
	f.create(t, "0.2.0")

	_, err := f.gate.PromoteToProduction(context.Background(), "0.2.0", "alice", " ")
	require.ErrorIs(t, err, promotion.ErrApproverRequired)
	assert.Empty(t, f.deployer.calls)
}

func TestPromoteToProduction_AuditFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.events.FailWith(errors.New("audit sink down"))
	f.create(t, "1.0.0")

	_, err := f.gate.PromoteToStaging(context.Background(), "1.0.0", nil, "ci")
	require.NoError(t, err)
	_, err = f.gate.PromoteToProduction(context.Background(), "1.0.0", "alice", "bob")
	require.NoError(t, err)
}

func TestPromote_DryRunLeavesManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "0.2.0")

	dry := promotion.NewGate(promotion.Config{
		Registry: f.registry,
		Deployer: f.deployer,
		Prober:   f.prober,
		Services: []promotion.ServiceSpec{{Name: "api", HealthURLs: map[string]string{"staging": "https://api.staging.acme.dev/healthz"}}},
		Emitter:  f.events,
		DryRun:   true,
	})

	res, err := dry.PromoteToStaging(ctx, "0.2.0", map[string]string{"api": "hotfix1"}, "ci")
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, "hotfix1", shas(res.Artifacts)["api"])

	assert.Empty(t, f.deployer.calls)
	assert.Empty(t, f.prober.probed)
	assert.Empty(t, f.events.Events())

	m, err := f.registry.Read(ctx, "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.StagingDeployed())

	_, err = dry.PromoteToProduction(ctx, "0.2.0", "alice", "bob")
	require.ErrorIs(t, err, manifest.ErrStagingNotDone)

	_, err = f.gate.PromoteToStaging(ctx, "0.2.0", nil, "ci")
	require.NoError(t, err)
	f.deployer.calls = nil

	res, err = dry.PromoteToProduction(ctx, "0.2.0", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Empty(t, f.deployer.calls)

	m, err = f.registry.Read(ctx, "0.2.0")
	require.NoError(t, err)
	assert.False(t, m.ProductionDeployed())
}
