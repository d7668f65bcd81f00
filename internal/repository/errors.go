package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a balance mutation targets a user without a balance row.
var ErrNotFound = errors.New("balance not found")

// ErrDuplicateTransaction is returned when a purchase reuses a transaction_ref_id
// that is already recorded.
var ErrDuplicateTransaction = errors.New("duplicate transaction reference")

// IsUniqueViolation reports whether err is a Postgres unique_violation (23505),
// optionally restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
