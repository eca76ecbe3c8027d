// Package promotion moves a release manifest through staging and production.
//
// Staging deploys may substitute SHAs; production never does. A production
// promotion ships exactly the SHAs pinned in the manifest at creation and is
// refused unless staging was recorded for the same version:
//
//	gate := promotion.NewGate(promotion.Config{Registry: reg, Deployer: d, Prober: p, Services: specs})
//	_, err := gate.PromoteToStaging(ctx, "0.2.0", nil, "ci")
//	_, err = gate.PromoteToProduction(ctx, "0.2.0", "alice", "bob")
//
// The manifest is only written after every service reported healthy. A
// failed deploy or health check leaves it untouched; nothing is rolled back.
// In dry-run mode every check runs and the artifacts are resolved, but
// nothing is deployed, probed or recorded.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tachyonhq/tachyon/internal/audit"
	"github.com/tachyonhq/tachyon/internal/metrics"
	"github.com/tachyonhq/tachyon/pkg/health"
	"github.com/tachyonhq/tachyon/pkg/manifest"
)

// Environment names handled by the gate.
const (
	Staging    = "staging"
	Production = "production"
)

// LatestSHA marks a service deployed from its floating latest build.
const LatestSHA = "latest"

// Artifact is one service image handed to the deployer.
type Artifact struct {
	Service string `json:"service"`
	SHA     string `json:"sha"`
	Image   string `json:"image,omitempty"`
}

// Deployer rolls artifacts out to an environment.
type Deployer interface {
	Deploy(ctx context.Context, environment string, artifacts []Artifact) error
}

// Prober waits for a health endpoint to report healthy.
type Prober interface {
	WaitHealthy(ctx context.Context, url string) (health.Report, error)
}

// ServiceSpec describes a deployable service.
type ServiceSpec struct {
	Name  string
	Image string
	// HealthURLs maps environment name to health endpoint. Services without
	// an endpoint for an environment are not probed there.
	HealthURLs map[string]string
}

// Result describes a completed promotion.
type Result struct {
	Version     string
	Environment string
	Artifacts   []Artifact
	Health      []health.Report
	Manifest    *manifest.Manifest
	// DryRun is set when nothing was deployed and the manifest is unchanged.
	DryRun bool
}

// Config holds the gate's collaborators. Registry, Deployer and Prober are
// required.
type Config struct {
	Registry *manifest.Registry
	Deployer Deployer
	Prober   Prober
	Services []ServiceSpec
	Emitter  audit.Emitter
	Logger   *slog.Logger
	Now      func() time.Time
	DryRun   bool
}

// Gate enforces the promotion rules.
type Gate struct {
	registry *manifest.Registry
	deployer Deployer
	prober   Prober
	services map[string]ServiceSpec
	emitter  audit.Emitter
	logger   *slog.Logger
	now      func() time.Time
	dryRun   bool
}

// NewGate creates a gate from cfg.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		registry: cfg.Registry,
		deployer: cfg.Deployer,
		prober:   cfg.Prober,
		services: make(map[string]ServiceSpec, len(cfg.Services)),
		emitter:  cfg.Emitter,
		logger:   cfg.Logger,
		now:      cfg.Now,
		dryRun:   cfg.DryRun,
	}
	for _, s := range cfg.Services {
		g.services[s.Name] = s
	}
	if g.emitter == nil {
		g.emitter = audit.Nop{}
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if g.now == nil {
		g.now = func() time.Time { return time.Now().UTC() }
	}
	return g
}

// PromoteToStaging deploys version to staging and records it.
//
// The SHA for each service is, in order: the override, the SHA pinned in
// the manifest, or LatestSHA for configured services the manifest does not
// pin. Overrides naming services that are neither configured nor pinned are
// rejected before anything is deployed.
func (g *Gate) PromoteToStaging(ctx context.Context, version string, overrides map[string]string, actor string) (*Result, error) {
	m, err := g.registry.Read(ctx, version)
	if err != nil {
		return nil, err
	}
	if m.StagingDeployed() {
		return nil, fmt.Errorf("%w: %s already deployed to staging", manifest.ErrAlreadyRecorded, m.Version)
	}

	artifacts, err := g.stagingArtifacts(m, overrides)
	if err != nil {
		return nil, err
	}
	if g.dryRun {
		return g.plan(ctx, Staging, m, artifacts), nil
	}

	reports, err := g.rollout(ctx, Staging, m.Version, actor, artifacts)
	if err != nil {
		return nil, err
	}

	updated, err := g.registry.RecordStagingDeploy(ctx, m.Version, actor, g.now())
	if err != nil {
		g.fail(ctx, Staging, m.Version, actor, err)
		return nil, fmt.Errorf("recording staging deploy: %w", err)
	}

	g.succeed(ctx, Staging, m.Version, actor, "")
	return &Result{Version: m.Version, Environment: Staging, Artifacts: artifacts, Health: reports, Manifest: updated}, nil
}

// PromoteToProduction deploys the current release to production.
// confirmVersion must name the current (highest) release exactly, staging
// must be recorded for it, and approver must be set. Checks run before any
// deployment; the staging check is repeated by the registry on write.
func (g *Gate) PromoteToProduction(ctx context.Context, confirmVersion, actor, approver string) (*Result, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, ErrApproverRequired
	}

	m, err := g.registry.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(confirmVersion) != m.Version {
		return nil, &VersionMismatchError{Confirmed: confirmVersion, Current: m.Version}
	}
	if !m.StagingDeployed() {
		return nil, fmt.Errorf("%w: %s", manifest.ErrStagingNotDone, m.Version)
	}
	if m.ProductionDeployed() {
		return nil, fmt.Errorf("%w: %s already deployed to production", manifest.ErrAlreadyRecorded, m.Version)
	}

	artifacts := g.pinnedArtifacts(m)
	if g.dryRun {
		return g.plan(ctx, Production, m, artifacts), nil
	}
	reports, err := g.rollout(ctx, Production, m.Version, actor, artifacts)
	if err != nil {
		return nil, err
	}

	updated, err := g.registry.RecordProductionDeploy(ctx, m.Version, actor, approver, g.now())
	if err != nil {
		g.fail(ctx, Production, m.Version, actor, err)
		return nil, fmt.Errorf("recording production deploy: %w", err)
	}

	g.succeed(ctx, Production, m.Version, actor, approver)
	return &Result{Version: m.Version, Environment: Production, Artifacts: artifacts, Health: reports, Manifest: updated}, nil
}

func (g *Gate) stagingArtifacts(m *manifest.Manifest, overrides map[string]string) ([]Artifact, error) {
	names := make(map[string]struct{}, len(g.services)+len(m.Services))
	for name := range g.services {
		names[name] = struct{}{}
	}
	for name := range m.Services {
		names[name] = struct{}{}
	}

	for name, sha := range overrides {
		if _, ok := names[name]; !ok {
			return nil, fmt.Errorf("%w: override for %q", ErrUnknownService, name)
		}
		if strings.TrimSpace(sha) == "" {
			return nil, fmt.Errorf("override for %q has an empty sha", name)
		}
	}

	artifacts := make([]Artifact, 0, len(names))
	for name := range names {
		pinned, isPinned := m.Services[name]
		sha := LatestSHA
		if isPinned {
			sha = pinned.SHA
		}
		if o, ok := overrides[name]; ok {
			sha = o
		}
		artifacts = append(artifacts, g.artifact(name, sha, pinned, isPinned && sha == pinned.SHA))
	}
	if len(artifacts) == 0 {
		return nil, ErrNoServices
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Service < artifacts[j].Service })
	return artifacts, nil
}

// pinnedArtifacts returns exactly the manifest's services.
func (g *Gate) pinnedArtifacts(m *manifest.Manifest) []Artifact {
	artifacts := make([]Artifact, 0, len(m.Services))
	for _, name := range m.ServiceNames() {
		svc := m.Services[name]
		artifacts = append(artifacts, g.artifact(name, svc.SHA, svc, true))
	}
	return artifacts
}

// artifact builds the image reference. The manifest tag is only used when
// the SHA is the pinned one.
func (g *Gate) artifact(name, sha string, pinned manifest.Service, usePinnedTag bool) Artifact {
	image := pinned.Image
	if image == "" {
		image = g.services[name].Image
	}
	ref := ""
	if image != "" {
		tag := sha
		if usePinnedTag && pinned.Tag != "" {
			tag = pinned.Tag
		}
		ref = image + ":" + tag
	}
	return Artifact{Service: name, SHA: sha, Image: ref}
}

// plan reports what a promotion would deploy without side effects.
func (g *Gate) plan(ctx context.Context, env string, m *manifest.Manifest, artifacts []Artifact) *Result {
	log := g.logger.With("environment", env, "version", m.Version)
	for _, a := range artifacts {
		log.InfoContext(ctx, "would deploy artifact", "service", a.Service, "sha", a.SHA, "image", a.Image)
	}
	return &Result{Version: m.Version, Environment: env, Artifacts: artifacts, Manifest: m, DryRun: true}
}

// rollout deploys and waits for health. Failures are audited and returned.
func (g *Gate) rollout(ctx context.Context, env, version, actor string, artifacts []Artifact) ([]health.Report, error) {
	log := g.logger.With("environment", env, "version", version)
	g.emit(ctx, audit.NewEvent(audit.PromotionStarted, env).WithActor(actor).
		With("version", version).
		With("artifacts", describe(artifacts)))

	log.InfoContext(ctx, "deploying release", "services", len(artifacts))
	if err := g.deployer.Deploy(ctx, env, artifacts); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrDeployFailed, env, err)
		g.fail(ctx, env, version, actor, err)
		return nil, err
	}

	reports, err := g.waitHealthy(ctx, env, artifacts)
	if err != nil {
		log.ErrorContext(ctx, "release did not become healthy", "error", err)
		g.fail(ctx, env, version, actor, err)
		return reports, err
	}
	log.InfoContext(ctx, "release healthy")
	return reports, nil
}

// waitHealthy probes every service with a health endpoint concurrently.
// The first failure cancels the remaining probes.
func (g *Gate) waitHealthy(ctx context.Context, env string, artifacts []Artifact) ([]health.Report, error) {
	reports := make([]health.Report, len(artifacts))
	probed := make([]bool, len(artifacts))

	group, gctx := errgroup.WithContext(ctx)
	for i, a := range artifacts {
		url := g.services[a.Service].HealthURLs[env]
		if url == "" {
			continue
		}
		probed[i] = true
		group.Go(func() error {
			start := time.Now()
			report, err := g.prober.WaitHealthy(gctx, url)
			metrics.HealthCheckDuration.WithLabelValues(env, a.Service).Observe(time.Since(start).Seconds())
			reports[i] = report
			if err != nil {
				return fmt.Errorf("service %s: %w", a.Service, err)
			}
			g.logger.DebugContext(gctx, "service healthy", "environment", env, "service", a.Service, "attempts", report.Attempts)
			return nil
		})
	}
	err := group.Wait()

	out := make([]health.Report, 0, len(reports))
	for i, r := range reports {
		if probed[i] {
			out = append(out, r)
		}
	}
	return out, err
}

func (g *Gate) succeed(ctx context.Context, env, version, actor, approver string) {
	metrics.PromotionsTotal.WithLabelValues(env, "succeeded").Inc()
	event := audit.NewEvent(audit.PromotionSucceeded, env).WithActor(actor).With("version", version)
	if approver != "" {
		event = event.With("approved_by", approver)
	}
	g.emit(ctx, event)
}

func (g *Gate) fail(ctx context.Context, env, version, actor string, err error) {
	metrics.PromotionsTotal.WithLabelValues(env, "failed").Inc()
	reason := "error"
	var timeout *health.TimeoutError
	switch {
	case errors.As(err, &timeout):
		reason = "health"
	case errors.Is(err, ErrDeployFailed):
		reason = "deploy"
	case errors.Is(err, manifest.ErrConflict):
		reason = "conflict"
	}
	g.emit(ctx, audit.NewEvent(audit.PromotionFailed, env).WithActor(actor).
		With("version", version).
		With("reason", reason).
		With("error", err.Error()))
}

func (g *Gate) emit(ctx context.Context, event audit.Event) {
	audit.Emit(ctx, g.emitter, g.logger, event)
}

func describe(artifacts []Artifact) string {
	parts := make([]string, len(artifacts))
	for i, a := range artifacts {
		parts[i] = a.Service + "=" + a.SHA
	}
	return strings.Join(parts, ",")
}
