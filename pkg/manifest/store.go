package manifest

import "context"

// Store persists manifests with an optimistic revision counter. The revision
// is store metadata and not part of the document.
type Store interface {
	// Create writes a new manifest at revision 1. It fails with
	// ErrVersionExists when the version is taken.
	Create(ctx context.Context, m *Manifest) error

	// Get returns the manifest and its current revision, or ErrNotFound.
	Get(ctx context.Context, version string) (*Manifest, int64, error)

	// Update replaces the manifest if its stored revision still equals
	// expectedRevision, and bumps the revision. It fails with ErrConflict
	// when the revision moved and ErrNotFound when the version is unknown.
	Update(ctx context.Context, m *Manifest, expectedRevision int64) error

	// List returns every stored version, in no particular order.
	List(ctx context.Context) ([]string, error)
}
