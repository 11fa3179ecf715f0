package upgrade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/sqlupgrade/internal/database"
)

// Ledger reads and writes the completed_upgrade_sql_files table. A Ledger belongs to a
// single invocation: it remembers whether the table has been ensured on its connection.
type Ledger struct {
	dialect database.Dialect
	ensured bool
}

// NewLedger creates a ledger speaking the given dialect
func NewLedger(dialect database.Dialect) *Ledger {
	return &Ledger{dialect: dialect}
}

func (l *Ledger) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	CompletedFilesKey %s,
	FileName VARCHAR(2000) NOT NULL,
	AppliedAt %s DEFAULT CURRENT_TIMESTAMP
)`, LedgerTable, l.dialect.AutoIncrementKey(), l.dialect.TimestampType())
}

// EnsureTable creates the ledger table if it does not exist and commits immediately, so the
// table survives a later rollback of the invocation. Only the first call on a Ledger touches
// the database; it must happen before any script work is pending on the connection.
func (l *Ledger) EnsureTable(ctx context.Context, conn Conn) error {
	if l.ensured {
		return nil
	}

	createTableSQL := l.createTableSQL()
	if _, err := conn.ExecContext(ctx, createTableSQL); err != nil {
		_ = conn.Rollback()
		return fmt.Errorf("%w: create %s table: %w", ErrLedger, LedgerTable, err)
	}
	if err := conn.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s table: %w", ErrLedger, LedgerTable, err)
	}

	l.ensured = true
	return nil
}

// HasApplied reports whether fileName has been recorded, including records inserted earlier
// in the same uncommitted invocation.
func (l *Ledger) HasApplied(ctx context.Context, conn Conn, fileName string) (bool, error) {
	querySQL := fmt.Sprintf("SELECT 1 FROM %s WHERE FileName = %s", LedgerTable, l.dialect.Placeholder(1))

	rows, err := conn.QueryContext(ctx, querySQL, fileName)
	if err != nil {
		return false, fmt.Errorf("%w: check %s: %w", ErrLedger, fileName, err)
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("%w: check %s: %w", ErrLedger, fileName, err)
	}
	return found, nil
}

// Record inserts fileName into the ledger. The insert is not committed here; it becomes
// durable with the invocation's commit and disappears with its rollback.
func (l *Ledger) Record(ctx context.Context, conn Conn, fileName string) error {
	insertSQL := fmt.Sprintf("INSERT INTO %s (FileName) VALUES (%s)", LedgerTable, l.dialect.Placeholder(1))

	if _, err := conn.ExecContext(ctx, insertSQL, fileName); err != nil {
		return fmt.Errorf("%w: record %s: %w", ErrLedger, fileName, err)
	}
	return nil
}

// List returns every ledger record in insertion order.
func (l *Ledger) List(ctx context.Context, conn Conn) ([]MigrationRecord, error) {
	querySQL := fmt.Sprintf("SELECT CompletedFilesKey, FileName, AppliedAt FROM %s ORDER BY CompletedFilesKey ASC", LedgerTable)

	rows, err := conn.QueryContext(ctx, querySQL)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %w", ErrLedger, err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var (
			record    MigrationRecord
			appliedAt any
		)
		if err := rows.Scan(&record.Key, &record.FileName, &appliedAt); err != nil {
			return nil, fmt.Errorf("%w: scan record: %w", ErrLedger, err)
		}
		record.AppliedAt, err = parseAppliedAt(appliedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: record %s: %w", ErrLedger, record.FileName, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %w", ErrLedger, err)
	}
	return records, nil
}

var appliedAtLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

// parseAppliedAt normalises the timestamp representations returned by the drivers.
func parseAppliedAt(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return time.Time{}, fmt.Errorf("unexpected AppliedAt type %T", v)
	}

	s = strings.TrimSpace(s)
	for _, layout := range appliedAtLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable AppliedAt %q", s)
}
