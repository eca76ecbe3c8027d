package promotion

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrVersionMismatch  = errors.New("confirmed version does not match the current release")
	ErrUnknownService   = errors.New("unknown service")
	ErrApproverRequired = errors.New("production promotion requires an approver")
	ErrNoServices       = errors.New("no services to deploy")
	ErrDeployFailed     = errors.New("deployment failed")
)

// VersionMismatchError is returned when the operator confirmed a version
// other than the release being promoted.
type VersionMismatchError struct {
	Confirmed string
	Current   string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%v: confirmed %q, current release is %q", ErrVersionMismatch, e.Confirmed, e.Current)
}

func (e *VersionMismatchError) Unwrap() error {
	return ErrVersionMismatch
}
