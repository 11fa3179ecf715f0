package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrMissingCredentials indicates that a network driver was configured without a username or password.
	ErrMissingCredentials = errors.New("DB credentials have not been set")

	// ErrAuthentication indicates that the server rejected the configured credentials.
	ErrAuthentication = errors.New("database authentication failed")

	// ErrAcquireTimeout indicates that no pooled connection became available within MaxWait.
	ErrAcquireTimeout = errors.New("timed out waiting for a database connection")

	// ErrUnknownDriver indicates an unsupported PoolConfig.Driver value.
	ErrUnknownDriver = errors.New("unknown database driver")

	// ErrConnClosed is returned by operations on a released connection.
	ErrConnClosed = errors.New("database connection already closed")
)

// ConnectionError reports a failure to open the pool or to acquire a connection from it.
// It is fatal for an invocation: no ledger or script work has happened when it is returned.
type ConnectionError struct {
	Driver    string // Configured driver name
	Operation string // open, ping, acquire, ...
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("database connection error (%s) during %s: %v", e.Driver, e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func newConnectionError(driver, operation string, err error) *ConnectionError {
	return &ConnectionError{
		Driver:    driver,
		Operation: operation,
		Err:       classify(err),
	}
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrAuthentication), errors.Is(err, ErrAcquireTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, err)
	}
	if code := SQLState(err); code != "" && pgerrcode.IsInvalidAuthorizationSpecification(code) {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	return err
}

// SQLState extracts the Postgres SQLSTATE code carried by err, for either the pgx or the
// lib/pq driver. It returns "" for errors that do not originate from a Postgres server.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
