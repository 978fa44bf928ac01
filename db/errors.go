package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrUniqueViolation is returned by callers that translate a unique index
// conflict into their own error chain
var ErrUniqueViolation = errors.New("unique constraint violation")

// pgUniqueViolation is the SQLSTATE PostgreSQL reports for unique index conflicts
const pgUniqueViolation = "23505"

// IsUniqueViolation reports whether err came from a unique constraint. Dialects
// that translate errors return gorm.ErrDuplicatedKey; the raw forms are checked
// for drivers that do not.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUniqueViolation) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsNotFound reports whether err means no row matched
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
