// Package pgerr classifies PostgreSQL errors from lib/pq and pgx.
package pgerr

import (
	"errors"

	"github.com/lib/pq"
)

// SQLSTATE codes checked by tachyon stores.
const (
	UniqueViolation = "23505"
	UndefinedTable  = "42P01"
)

// Code returns the SQLSTATE of err, or "" when err carries none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var stater interface{ SQLState() string }
	if errors.As(err, &stater) {
		return stater.SQLState()
	}
	return ""
}

// Is reports whether err carries the given SQLSTATE.
func Is(err error, code string) bool {
	return Code(err) == code
}
