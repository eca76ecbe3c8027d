package migrator

import (
	"errors"
	"fmt"

	"github.com/tachyonhq/tachyon/pkg/checksum"
)

var (
	// ErrRecordNotFound is returned by TrackingStore.GetApplied when the
	// version has no tracking record.
	ErrRecordNotFound = errors.New("migrator: tracking record not found")

	// ErrDriftDetected is wrapped by DriftError. A unit that was already
	// applied has different content now. This needs a human: the record is
	// never rewritten automatically.
	ErrDriftDetected = errors.New("migrator: drift detected")

	// ErrTransactionFailed is wrapped by TransactionError.
	ErrTransactionFailed = errors.New("migrator: transaction failed")

	// ErrConcurrentApply is returned when the tracking insert collides with a
	// record written by another runner.
	ErrConcurrentApply = errors.New("migrator: version recorded by another runner")
)

// DriftError describes an applied unit whose content changed.
type DriftError struct {
	Version  string
	Source   string
	Recorded checksum.Digest
	Computed checksum.Digest
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("drift detected for migration %s: recorded checksum %s, current checksum %s",
		e.Version, e.Recorded.Short(), e.Computed.Short())
}

func (e *DriftError) Unwrap() error {
	return ErrDriftDetected
}

// TransactionError reports a unit whose apply transaction was rolled back.
type TransactionError struct {
	Version string
	Err     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("applying migration %s: %v", e.Version, e.Err)
}

func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransactionFailed, e.Err}
}

// IsDrift returns true if err is or wraps ErrDriftDetected.
func IsDrift(err error) bool {
	return errors.Is(err, ErrDriftDetected)
}
