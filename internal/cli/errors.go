// Package cli provides shared configuration and utilities for the tachyon CLI.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/tachyonhq/tachyon/internal/dbconn"
	"github.com/tachyonhq/tachyon/internal/environment"
	"github.com/tachyonhq/tachyon/pkg/catalog"
	"github.com/tachyonhq/tachyon/pkg/confirm"
	"github.com/tachyonhq/tachyon/pkg/health"
	"github.com/tachyonhq/tachyon/pkg/manifest"
	"github.com/tachyonhq/tachyon/pkg/migrator"
	"github.com/tachyonhq/tachyon/pkg/promotion"
)

// Exit codes.
const (
	ExitSuccess   = 0
	ExitGeneral   = 1
	ExitConfig    = 2
	ExitCatalog   = 3
	ExitDBConnect = 4
	ExitDrift     = 5
	ExitDeclined  = 6
	ExitPromotion = 7
	ExitHealth    = 8
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	exitErr := Classify(err)
	fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
	os.Exit(exitErr.Code)
}

// Classify maps err to an ExitError. Errors that already are ExitErrors keep
// their code; the rest are matched against the known failure kinds.
func Classify(err error) *ExitError {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}

	var cfgErr *environment.ConfigurationError
	var mismatch *promotion.VersionMismatchError
	var timeout *health.TimeoutError
	switch {
	case errors.As(err, &cfgErr):
		return ConfigError("invalid environment", err)
	case errors.Is(err, dbconn.ErrConnection):
		return DBConnectError("cannot connect to database", err)
	case errors.Is(err, catalog.ErrDuplicateVersion),
		errors.Is(err, catalog.ErrInvalidVersion),
		errors.Is(err, catalog.ErrEmptyUnit):
		return CatalogError("invalid migration catalog", err)
	case errors.Is(err, migrator.ErrDriftDetected):
		return &ExitError{Code: ExitDrift, Message: "migration drift detected", Err: err}
	case errors.Is(err, confirm.ErrDeclined):
		return &ExitError{Code: ExitDeclined, Message: "aborted", Err: err}
	case errors.As(err, &mismatch),
		errors.Is(err, manifest.ErrStagingNotDone),
		errors.Is(err, manifest.ErrAlreadyRecorded),
		errors.Is(err, manifest.ErrConflict),
		errors.Is(err, promotion.ErrApproverRequired),
		errors.Is(err, promotion.ErrUnknownService):
		return &ExitError{Code: ExitPromotion, Message: "promotion refused", Err: err}
	case errors.As(err, &timeout):
		return &ExitError{Code: ExitHealth, Message: "health check failed", Err: err}
	default:
		return GeneralError("command failed", err)
	}
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// CatalogError creates an ExitError with ExitCatalog code.
func CatalogError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitCatalog, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}
