package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Registry implements the release lifecycle on top of a Store. Every
// operation is a fresh read-validate-write; nothing is cached.
type Registry struct {
	store Store
	now   func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanonicalVersion parses version as a semantic version and returns its
// canonical form ("v1.2" -> "1.2.0").
func CanonicalVersion(version string) (string, error) {
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	return v.String(), nil
}

// Create writes a new manifest. services must be non-empty and every entry
// needs a sha.
func (r *Registry) Create(ctx context.Context, version, description string, services map[string]Service) (*Manifest, error) {
	canonical, err := CanonicalVersion(version)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Version:     canonical,
		CreatedAt:   r.now(),
		Description: description,
		Services:    make(map[string]Service, len(services)),
	}
	for name, svc := range services {
		m.Services[name] = svc
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := r.store.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Read returns the manifest for version.
func (r *Registry) Read(ctx context.Context, version string) (*Manifest, error) {
	m, _, err := r.get(ctx, version)
	return m, err
}

func (r *Registry) get(ctx context.Context, version string) (*Manifest, int64, error) {
	canonical, err := CanonicalVersion(version)
	if err != nil {
		return nil, 0, err
	}
	return r.store.Get(ctx, canonical)
}

// Versions returns every stored version in ascending semantic order. Entries
// that do not parse are skipped.
func (r *Registry) Versions(ctx context.Context) ([]string, error) {
	raw, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	parsed := make([]*semver.Version, 0, len(raw))
	for _, s := range raw {
		v, err := semver.NewVersion(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
	}
	sort.Sort(semver.Collection(parsed))

	versions := make([]string, len(parsed))
	for i, v := range parsed {
		versions[i] = v.Original()
	}
	return versions, nil
}

// Latest returns the manifest with the highest semantic version.
func (r *Registry) Latest(ctx context.Context) (*Manifest, error) {
	versions, err := r.Versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no releases", ErrNotFound)
	}
	return r.Read(ctx, versions[len(versions)-1])
}

// RecordStagingDeploy stamps the staging deployment. It fails with
// ErrAlreadyRecorded when staging was already recorded.
func (r *Registry) RecordStagingDeploy(ctx context.Context, version, actor string, at time.Time) (*Manifest, error) {
	return r.mutate(ctx, version, func(m *Manifest) error {
		if m.StagingDeployed() {
			return fmt.Errorf("%w: %s staging at %s", ErrAlreadyRecorded, m.Version, m.Environments.Staging.DeployedAt.Format(time.RFC3339))
		}
		m.Environments.Staging = &Deployment{DeployedAt: at.UTC(), DeployedBy: actor}
		return nil
	})
}

// RecordProductionDeploy stamps the production deployment. Staging must have
// been recorded first.
func (r *Registry) RecordProductionDeploy(ctx context.Context, version, actor, approver string, at time.Time) (*Manifest, error) {
	return r.mutate(ctx, version, func(m *Manifest) error {
		if !m.StagingDeployed() {
			return fmt.Errorf("%w: %s", ErrStagingNotDone, m.Version)
		}
		if m.ProductionDeployed() {
			return fmt.Errorf("%w: %s production at %s", ErrAlreadyRecorded, m.Version, m.Environments.Production.DeployedAt.Format(time.RFC3339))
		}
		m.Environments.Production = &Deployment{DeployedAt: at.UTC(), DeployedBy: actor, ApprovedBy: approver}
		return nil
	})
}

// mutate reads the manifest, applies fn to a copy and writes it back at the
// read revision. The services map must come back unchanged.
func (r *Registry) mutate(ctx context.Context, version string, fn func(*Manifest) error) (*Manifest, error) {
	current, revision, err := r.get(ctx, version)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if !sameServices(current.Services, next.Services) {
		return nil, errors.New("release services are immutable")
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := r.store.Update(ctx, next, revision); err != nil {
		return nil, err
	}
	return next, nil
}
