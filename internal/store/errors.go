package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested resource does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint or
	// a conditional update finds the row in an unexpected state.
	ErrConflict = errors.New("conflict")

	// ErrNoEnabledEndpoint is returned when publishing a connector that has
	// no enabled endpoint.
	ErrNoEnabledEndpoint = errors.New("connector must have an enabled endpoint")
)

// isUniqueViolation reports whether err is a uniqueness constraint failure on
// either supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
