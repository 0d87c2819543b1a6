package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/siherrmann/docsalud/model"
)

// pgNoDataFound is raised by the sql functions when a referenced row is missing.
const pgNoDataFound = "P0002"

// notFound maps missing rows to model.ErrNotFound and keeps every other error.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Join(model.ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgNoDataFound {
		return errors.Join(model.ErrNotFound, err)
	}
	return err
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}
