package upgrade

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/sqlupgrade/internal/database"
)

func openTestPool(t *testing.T) *database.Pool {
	t.Helper()

	config := database.DefaultPoolConfig(database.DriverSQLite, filepath.Join(t.TempDir(), "upgrade.db"))
	pool, err := database.Open(context.Background(), config)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func acquire(t *testing.T, pool *database.Pool) *database.Conn {
	t.Helper()

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Failed to acquire connection: %v", err)
	}
	return conn
}

// writeScripts creates files (relative path -> content) under dir.
func writeScripts(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
}

func tableExists(t *testing.T, pool *database.Pool, table string) bool {
	t.Helper()

	var count int
	err := pool.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to inspect sqlite_master: %v", err)
	}
	return count > 0
}

func countRows(t *testing.T, pool *database.Pool, table string) int {
	t.Helper()

	var count int
	if err := pool.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows of %s: %v", table, err)
	}
	return count
}

func ledgerNames(t *testing.T, pool *database.Pool) []string {
	t.Helper()

	if !tableExists(t, pool, LedgerTable) {
		return nil
	}
	rows, err := pool.DB().Query("SELECT FileName FROM " + LedgerTable + " ORDER BY CompletedFilesKey")
	if err != nil {
		t.Fatalf("Failed to query ledger: %v", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("Failed to scan ledger row: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("Failed to iterate ledger: %v", err)
	}
	return names
}

// spyConn counts transaction boundary calls made on a real connection.
type spyConn struct {
	*database.Conn

	commits   int
	rollbacks int
	closes    int

	// failCommit makes the n-th Commit call (1-based) fail without committing.
	failCommit int
	// panicOnCommit makes the n-th Commit call (1-based) panic without committing.
	panicOnCommit int
	// failRollback makes every Rollback fail without rolling back.
	failRollback bool
	// failClose makes Close report an error after releasing the connection.
	failClose bool
}

var (
	errInjectedCommit   = errors.New("injected commit failure")
	errInjectedRollback = errors.New("injected rollback failure")
	errInjectedClose    = errors.New("injected close failure")
)

func (s *spyConn) Commit() error {
	s.commits++
	if s.panicOnCommit == s.commits {
		panic("commit exploded")
	}
	if s.failCommit == s.commits {
		return errInjectedCommit
	}
	return s.Conn.Commit()
}

func (s *spyConn) Rollback() error {
	s.rollbacks++
	if s.failRollback {
		return errInjectedRollback
	}
	return s.Conn.Rollback()
}

func (s *spyConn) Close() error {
	s.closes++
	err := s.Conn.Close()
	if s.failClose {
		return errInjectedClose
	}
	return err
}
