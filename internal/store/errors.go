package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ErrorKind tells callers what went wrong with a query.
type ErrorKind int

const (
	// KindInfra covers connectivity, timeouts and anything unclassified.
	KindInfra ErrorKind = iota
	// KindNoRows means the query matched nothing.
	KindNoRows
	// KindConstraint means an integrity constraint rejected the write.
	KindConstraint
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoRows:
		return "no rows"
	case KindConstraint:
		return "constraint violation"
	default:
		return "infra error"
	}
}

// Error is returned by every repository in this package.
type Error struct {
	Kind       ErrorKind
	Op         string
	Constraint string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NoRows builds a KindNoRows error for op.
func NoRows(op string) *Error {
	return &Error{Kind: KindNoRows, Op: op}
}

// IsNoRows reports whether err means the record does not exist.
func IsNoRows(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindNoRows
}

// IsConstraint reports whether err is an integrity constraint violation.
func IsConstraint(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConstraint
}

// classify wraps a driver error into an Error. It returns nil for nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return &Error{Kind: KindNoRows, Op: op}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return &Error{Kind: KindConstraint, Op: op, Constraint: pqErr.Constraint, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) == 5 && pgErr.Code[:2] == "23" {
		return &Error{Kind: KindConstraint, Op: op, Constraint: pgErr.ConstraintName, Err: err}
	}
	return &Error{Kind: KindInfra, Op: op, Err: err}
}
