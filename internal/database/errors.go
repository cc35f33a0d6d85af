// internal/database/errors.go
package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind classifies a persistence failure independent of the backend.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindConstraint    ErrorKind = "constraint_violation"
	KindLobbyFull     ErrorKind = "lobby_full"
	KindInvalidState  ErrorKind = "invalid_state"
	KindConnection    ErrorKind = "connection_error"
	KindSerialization ErrorKind = "serialization_failure"
	KindTimeout       ErrorKind = "timeout"
	KindUnknown       ErrorKind = "unknown"
)

// Constraint names reported on KindConstraint errors.
const (
	ConstraintUnique     = "unique"
	ConstraintForeignKey = "foreign_key"
	ConstraintNotNull    = "not_null"
	ConstraintCheck      = "check"
)

// DBError is the typed error returned by every Store operation.
type DBError struct {
	Kind       ErrorKind
	Op         string
	Constraint string
	Err        error
}

func (e *DBError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Constraint != "" {
		msg += " (" + e.Constraint + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DBError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *DBError) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindSerialization, KindTimeout:
		return true
	}
	return false
}

func newError(op string, kind ErrorKind, err error) *DBError {
	return &DBError{Op: op, Kind: kind, Err: err}
}

// IsKind reports whether err wraps a *DBError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var dbErr *DBError
	return errors.As(err, &dbErr) && dbErr.Kind == kind
}

// IsRetryable reports whether err wraps a transient *DBError.
func IsRetryable(err error) bool {
	var dbErr *DBError
	return errors.As(err, &dbErr) && dbErr.Retryable()
}

// MapError converts a backend error into a *DBError. Errors that are already
// typed pass through unchanged.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *DBError
	if errors.As(err, &dbErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return newError(op, KindNotFound, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(op, KindUnknown, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return newError(op, KindTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(op, pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return newError(op, KindConnection, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return newError(op, KindConnection, err)
	}
	return newError(op, KindUnknown, err)
}

func mapPgError(op string, pgErr *pgconn.PgError) *DBError {
	switch pgErr.Code {
	case "23505":
		return &DBError{Op: op, Kind: KindConstraint, Constraint: ConstraintUnique, Err: pgErr}
	case "23503":
		return &DBError{Op: op, Kind: KindConstraint, Constraint: ConstraintForeignKey, Err: pgErr}
	case "23502":
		return &DBError{Op: op, Kind: KindConstraint, Constraint: ConstraintNotNull, Err: pgErr}
	case "23514":
		return &DBError{Op: op, Kind: KindConstraint, Constraint: ConstraintCheck, Err: pgErr}
	case "40001", "40P01":
		return newError(op, KindSerialization, pgErr)
	case "57014":
		return newError(op, KindTimeout, pgErr)
	}
	// class 08: connection exception, 57P01..03: server shutting down
	if len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P") {
		return newError(op, KindConnection, pgErr)
	}
	return newError(op, KindUnknown, pgErr)
}
