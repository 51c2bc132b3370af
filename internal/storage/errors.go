package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist or is not
// visible to the caller.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a unique constraint rejects an insert.
var ErrConflict = errors.New("storage: already exists")

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
