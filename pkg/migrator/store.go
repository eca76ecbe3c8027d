package migrator

import (
	"context"
	"time"

	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/checksum"
)

// Record is a row in the tracking table. One record exists per applied
// version and it is never updated.
type Record struct {
	Version     string
	Description string
	Checksum    checksum.Digest
	AppliedAt   time.Time
	Environment string
}

// TrackingStore is the narrow view of the relational store the migrator
// needs. Implementations must make Apply atomic: the unit's content and the
// tracking insert commit together or not at all.
type TrackingStore interface {
	// EnsureTrackingTable creates the tracking table if it does not exist.
	EnsureTrackingTable(ctx context.Context) error

	// ListApplied returns every tracking record ordered by version. A missing
	// tracking table yields an empty list.
	ListApplied(ctx context.Context) ([]Record, error)

	// GetApplied returns the record for version or ErrRecordNotFound.
	GetApplied(ctx context.Context, version string) (Record, error)

	// Apply executes unit.Content and inserts rec in a single transaction.
	Apply(ctx context.Context, unit catalog.Unit, rec Record) error
}
