// Package manifest records which artifact SHAs make up a release and where
// that release has been deployed.
//
// A manifest is written once per release version. Its services map is fixed
// at creation; afterwards only the deployment metadata under environments
// changes, and only in order:
//
//	created -> staging recorded -> production recorded
//
// Manifests are never deleted.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Sentinel errors.
var (
	ErrNotFound        = errors.New("release manifest not found")
	ErrVersionExists   = errors.New("release version already exists")
	ErrConflict        = errors.New("release manifest was modified concurrently")
	ErrStagingNotDone  = errors.New("release has not been deployed to staging")
	ErrAlreadyRecorded = errors.New("deployment already recorded")
	ErrInvalidVersion  = errors.New("invalid release version")
	ErrInvalidManifest = errors.New("invalid release manifest")
)

// Service pins one service's build artifact.
type Service struct {
	SHA   string `json:"sha"`
	Image string `json:"image,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// ImageRef returns image:tag, falling back to image:sha when no tag is set.
// It returns "" when no image is known.
func (s Service) ImageRef() string {
	if s.Image == "" {
		return ""
	}
	tag := s.Tag
	if tag == "" {
		tag = s.SHA
	}
	return s.Image + ":" + tag
}

// Deployment is the metadata of one environment's deployment.
type Deployment struct {
	DeployedAt time.Time `json:"deployed_at"`
	DeployedBy string    `json:"deployed_by"`
	ApprovedBy string    `json:"approved_by,omitempty"`
}

// Environments holds deployment metadata per environment. A nil entry means
// the release has not been deployed there.
type Environments struct {
	Staging    *Deployment `json:"staging,omitempty"`
	Production *Deployment `json:"production,omitempty"`
}

// Manifest is the release document.
type Manifest struct {
	Version      string             `json:"version"`
	CreatedAt    time.Time          `json:"created_at"`
	Description  string             `json:"description,omitempty"`
	Services     map[string]Service `json:"services"`
	Environments Environments       `json:"environments"`
}

// StagingDeployed reports whether staging deployment was recorded.
func (m *Manifest) StagingDeployed() bool {
	return m.Environments.Staging != nil && !m.Environments.Staging.DeployedAt.IsZero()
}

// ProductionDeployed reports whether production deployment was recorded.
func (m *Manifest) ProductionDeployed() bool {
	return m.Environments.Production != nil && !m.Environments.Production.DeployedAt.IsZero()
}

// ServiceNames returns the service names in sorted order.
func (m *Manifest) ServiceNames() []string {
	names := make([]string, 0, len(m.Services))
	for name := range m.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Services = make(map[string]Service, len(m.Services))
	for k, v := range m.Services {
		c.Services[k] = v
	}
	if m.Environments.Staging != nil {
		s := *m.Environments.Staging
		c.Environments.Staging = &s
	}
	if m.Environments.Production != nil {
		p := *m.Environments.Production
		c.Environments.Production = &p
	}
	return &c
}

// Validate checks the document invariants.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: version is empty", ErrInvalidManifest)
	}
	if len(m.Services) == 0 {
		return fmt.Errorf("%w: no services", ErrInvalidManifest)
	}
	for _, name := range m.ServiceNames() {
		if name == "" {
			return fmt.Errorf("%w: empty service name", ErrInvalidManifest)
		}
		if m.Services[name].SHA == "" {
			return fmt.Errorf("%w: service %q has no sha", ErrInvalidManifest, name)
		}
	}
	if m.ProductionDeployed() && !m.StagingDeployed() {
		return fmt.Errorf("%w: production recorded without staging", ErrInvalidManifest)
	}
	return nil
}

// sameServices reports whether a and b pin identical artifacts.
func sameServices(a, b map[string]Service) bool {
	if len(a) != len(b) {
		return false
	}
	for name, sa := range a {
		if sb, ok := b[name]; !ok || sa != sb {
			return false
		}
	}
	return true
}
