package database

import (
	"fmt"
	"strconv"
)

// Dialect captures the SQL differences between the supported database backends.
type Dialect int

const (
	// SQLite is served by modernc.org/sqlite.
	SQLite Dialect = iota
	// Postgres is served by either pgx or lib/pq.
	Postgres
)

// String returns the dialect name.
func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return "dialect(" + strconv.Itoa(int(d)) + ")"
	}
}

// Placeholder returns the bind parameter marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// AutoIncrementKey returns the column definition for an auto-incrementing primary key.
func (d Dialect) AutoIncrementKey() string {
	if d == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// TimestampType returns the column type used for insertion timestamps.
func (d Dialect) TimestampType() string {
	if d == Postgres {
		return "TIMESTAMP"
	}
	return "DATETIME"
}

// DialectForDriver maps a registered database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite:
		return SQLite, nil
	case DriverPgx, DriverPostgres:
		return Postgres, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
