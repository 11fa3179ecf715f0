package database

import (
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Driver names accepted by PoolConfig.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

func requiresCredentials(driver string) bool {
	return driver == DriverPgx || driver == DriverPostgres
}
