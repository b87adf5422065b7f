package postgres

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel error kinds for storage operations.
//
// Every store in this repository wraps its failures with exactly one of
// these kinds so callers can branch with errors.Is instead of string
// matching. The HTTP layer maps them to status codes.
//
// Example:
//
//	biz, err := store.Get(ctx, id)
//	if errors.Is(err, postgres.ErrNotFound) {
//	    // 404
//	}
var (
	// ErrConnectionUnavailable indicates the database cannot be reached.
	// Transient; retried by the pool wrapper before surfacing.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidationFailed indicates caller-supplied input is invalid.
	// Never retried.
	ErrValidationFailed = errors.New("validation failed")

	// ErrUpstreamFailure indicates an external collaborator (embeddings
	// provider) failed.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrSchemaConflict indicates a DDL object already exists or conflicts.
	// Treated as non-fatal during schema initialization.
	ErrSchemaConflict = errors.New("schema conflict")
)

// Classify wraps err with the matching sentinel kind, preserving the
// original error for unwrapping. nil stays nil; already-classified errors
// pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrConnectionUnavailable, ErrNotFound,
		ErrValidationFailed, ErrUpstreamFailure, ErrSchemaConflict} {
		if errors.Is(err, kind) {
			return err
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Join(ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.DuplicateObject, pgerrcode.DuplicateTable,
			pgerrcode.DuplicateColumn, pgerrcode.UniqueViolation:
			return errors.Join(ErrSchemaConflict, err)
		}
		if pgerrcode.IsConnectionException(pgErr.Code) {
			return errors.Join(ErrConnectionUnavailable, err)
		}
		return err
	}

	if retryable(err) {
		return errors.Join(ErrConnectionUnavailable, err)
	}
	return err
}

// retryable reports whether err looks like a transient connectivity
// failure worth a reconnect attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
