package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Conn is a pooled connection with auto-commit disabled. The first statement after
// acquisition, Commit or Rollback opens a transaction bound to that statement's context;
// nothing is durable until Commit. Conn is not safe for concurrent use.
type Conn struct {
	conn    *sql.Conn
	tx      *sql.Tx
	dialect Dialect
	closed  bool
}

func newConn(c *sql.Conn, dialect Dialect) *Conn {
	return &Conn{conn: c, dialect: dialect}
}

// Dialect returns the SQL dialect spoken by the connection
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

// InTransaction reports whether uncommitted work may be pending.
func (c *Conn) InTransaction() bool {
	return c.tx != nil
}

func (c *Conn) current(ctx context.Context) (*sql.Tx, error) {
	if c.closed {
		return nil, ErrConnClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	c.tx = tx
	return tx, nil
}

// ExecContext prepares and executes a statement inside the open transaction.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

// QueryContext executes a query inside the open transaction. Callers must close the rows
// before the next Commit or Rollback.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tx, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return tx.QueryContext(ctx, query, args...)
}

// Commit makes every statement since the last Commit or Rollback durable.
// It is a no-op when nothing has been executed.
func (c *Conn) Commit() error {
	if c.closed {
		return ErrConnClosed
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback discards every statement since the last Commit or Rollback.
func (c *Conn) Rollback() error {
	if c.closed {
		return ErrConnClosed
	}
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Close rolls back uncommitted work and returns the connection to the pool.
func (c *Conn) Close() error {
	if c.closed {
		return ErrConnClosed
	}
	var rbErr error
	if c.tx != nil {
		rbErr = c.tx.Rollback()
		c.tx = nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return err
	}
	if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return fmt.Errorf("rollback on close: %w", rbErr)
	}
	return nil
}
