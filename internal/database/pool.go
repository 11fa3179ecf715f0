package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PoolConfig holds the connection pool configuration for the query executor.
type PoolConfig struct {
	// Driver is one of DriverSQLite, DriverPgx or DriverPostgres
	Driver string

	// DSN is the SQLite file path or the Postgres connection URL
	DSN string

	// Username and Password are required by the network drivers
	Username string
	Password string

	// InitialSize is the number of connections established when the pool opens
	InitialSize int

	// MinIdle is the number of idle connections the pool starts with
	MinIdle int

	// MaxIdle sets the maximum number of idle connections
	MaxIdle int

	// MaxTotal sets the maximum number of open connections
	MaxTotal int

	// MaxWait bounds how long Acquire waits for a connection
	MaxWait time.Duration

	// ConnMaxLifetime sets the maximum lifetime of connections
	ConnMaxLifetime time.Duration

	// BusyTimeout sets how long SQLite waits for database locks
	BusyTimeout time.Duration

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// EnableForeignKeys enables SQLite foreign key constraint checking
	EnableForeignKeys bool
}

// DefaultPoolConfig returns the pool shape the upgrader has always run with: two initial
// connections, two idle at minimum, fifty at most, a ten second acquisition wait.
func DefaultPoolConfig(driver, dsn string) PoolConfig {
	cfg := PoolConfig{
		Driver:      driver,
		DSN:         dsn,
		InitialSize: 2,
		MinIdle:     2,
		MaxIdle:     50,
		MaxTotal:    50,
		MaxWait:     10 * time.Second,
	}
	if driver == DriverSQLite {
		cfg.BusyTimeout = 30 * time.Second
		cfg.JournalMode = "WAL"
		cfg.EnableForeignKeys = true
	}
	return cfg
}

// Validate checks the configuration shape. Credentials are checked by Open.
func (c PoolConfig) Validate() error {
	if c.Driver == "" {
		return fmt.Errorf("Driver cannot be empty")
	}
	if _, err := DialectForDriver(c.Driver); err != nil {
		return err
	}
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.InitialSize < 0 || c.MinIdle < 0 || c.MaxIdle < 0 || c.MaxTotal < 0 {
		return fmt.Errorf("pool sizes cannot be negative")
	}
	if c.MaxTotal > 0 && c.MaxIdle > c.MaxTotal {
		return fmt.Errorf("MaxIdle (%d) cannot exceed MaxTotal (%d)", c.MaxIdle, c.MaxTotal)
	}
	if c.MinIdle > c.MaxIdle {
		return fmt.Errorf("MinIdle (%d) cannot exceed MaxIdle (%d)", c.MinIdle, c.MaxIdle)
	}
	if c.MaxTotal > 0 && c.InitialSize > c.MaxTotal {
		return fmt.Errorf("InitialSize (%d) cannot exceed MaxTotal (%d)", c.InitialSize, c.MaxTotal)
	}
	if c.MaxWait <= 0 {
		return fmt.Errorf("MaxWait must be positive")
	}
	if c.ConnMaxLifetime < 0 {
		return fmt.Errorf("ConnMaxLifetime cannot be negative")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("BusyTimeout cannot be negative")
	}

	validJournalModes := map[string]bool{
		"DELETE":   true,
		"TRUNCATE": true,
		"PERSIST":  true,
		"MEMORY":   true,
		"WAL":      true,
		"OFF":      true,
	}
	if c.JournalMode != "" && !validJournalModes[strings.ToUpper(c.JournalMode)] {
		return fmt.Errorf("invalid journal mode: %s", c.JournalMode)
	}

	return nil
}

// Pool is an explicitly constructed connection source. It is configured once at process
// start and handed to whoever needs a connection.
type Pool struct {
	db      *sql.DB
	config  PoolConfig
	dialect Dialect
}

// Open validates the configuration, opens the pool and establishes its initial connections.
// Any failure to reach the database is reported as a *ConnectionError.
func Open(ctx context.Context, config PoolConfig) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	dialect, _ := DialectForDriver(config.Driver)

	dsn, err := config.dataSourceName()
	if err != nil {
		return nil, newConnectionError(config.Driver, "configure", err)
	}

	if dialect == SQLite {
		if isInMemory(config.DSN) {
			// every connection to :memory: is a separate database
			config.MaxTotal, config.MaxIdle = 1, 1
			config.InitialSize, config.MinIdle = min(config.InitialSize, 1), min(config.MinIdle, 1)
			config.ConnMaxLifetime = 0
		} else if err := createDatabaseFile(config.DSN); err != nil {
			return nil, newConnectionError(config.Driver, "create database file", err)
		}
	}

	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, newConnectionError(config.Driver, "open", err)
	}
	db.SetMaxOpenConns(config.MaxTotal)
	db.SetMaxIdleConns(config.MaxIdle)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	pool := &Pool{db: db, config: config, dialect: dialect}
	if err := pool.warm(ctx, max(config.InitialSize, config.MinIdle, 1)); err != nil {
		db.Close()
		return nil, err
	}
	return pool, nil
}

// warm checks out n connections at once and returns them to the idle set.
func (p *Pool) warm(ctx context.Context, n int) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.MaxWait)
	defer cancel()

	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for i := 0; i < n; i++ {
		c, err := p.db.Conn(ctx)
		if err != nil {
			return newConnectionError(p.config.Driver, "open initial connection", err)
		}
		conns = append(conns, c)
		if err := c.PingContext(ctx); err != nil {
			return newConnectionError(p.config.Driver, "ping", err)
		}
	}
	return nil
}

// Acquire checks a connection out of the pool, waiting at most MaxWait. The returned
// connection has auto-commit disabled and must be released with Close.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.config.MaxWait)
	defer cancel()

	c, err := p.db.Conn(waitCtx)
	if err != nil {
		return nil, newConnectionError(p.config.Driver, "acquire", err)
	}
	if p.dialect == SQLite {
		if err := p.configureSQLite(waitCtx, c); err != nil {
			c.Close()
			return nil, newConnectionError(p.config.Driver, "configure connection", err)
		}
	}
	return newConn(c, p.dialect), nil
}

// configureSQLite applies the per-connection PRAGMA settings.
func (p *Pool) configureSQLite(ctx context.Context, c *sql.Conn) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", p.config.BusyTimeout.Milliseconds()),
	}
	if p.config.EnableForeignKeys {
		pragmas = append(pragmas, "PRAGMA foreign_keys = ON")
	}
	if p.config.JournalMode != "" && !isInMemory(p.config.DSN) {
		pragmas = append(pragmas, "PRAGMA journal_mode = "+strings.ToUpper(p.config.JournalMode))
	}

	for _, pragma := range pragmas {
		if _, err := c.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying database handle
func (p *Pool) DB() *sql.DB {
	return p.db
}

// Dialect returns the SQL dialect of the configured driver
func (p *Pool) Dialect() Dialect {
	return p.dialect
}

// Config returns the effective configuration
func (p *Pool) Config() PoolConfig {
	return p.config
}

// Close closes the pool
func (p *Pool) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// dataSourceName returns the DSN handed to sql.Open, with credentials injected for the
// network drivers.
func (c PoolConfig) dataSourceName() (string, error) {
	if !requiresCredentials(c.Driver) {
		return c.DSN, nil
	}

	raw := c.DSN
	if !strings.Contains(raw, "://") {
		raw = "postgres://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad database connection URL: %w", err)
	}

	switch {
	case c.Username != "" && c.Password != "":
		u.User = url.UserPassword(c.Username, c.Password)
	case u.User != nil:
		if _, ok := u.User.Password(); !ok || u.User.Username() == "" {
			return "", ErrMissingCredentials
		}
	default:
		return "", ErrMissingCredentials
	}
	return u.String(), nil
}

func isInMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// sqliteFilePath strips the file: scheme and query parameters from a SQLite DSN.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// createDatabaseFile creates the parent directory and the database file if they do not exist.
func createDatabaseFile(dsn string) error {
	path := sqliteFilePath(dsn)
	if path == "" {
		return nil
	}

	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
	}

	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create database file %s: %w", path, err)
	}
	return file.Close()
}
