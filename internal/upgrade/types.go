package upgrade

import (
	"context"
	"database/sql"
	"io/fs"
	"time"
)

const (
	// ScriptSuffix identifies migration scripts inside a resolved source.
	ScriptSuffix = ".sql"

	// CommentMarker starts a whole-line comment in a script.
	CommentMarker = "--"

	// LedgerTable records the file names of applied scripts.
	LedgerTable = "completed_upgrade_sql_files"
)

// Conn is the slice of the query executor the upgrader consumes: a single connection with
// auto-commit disabled. *database.Conn satisfies it.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
	Close() error
}

// MigrationRecord is one row of the ledger table.
type MigrationRecord struct {
	Key       int64     // Auto-incremented primary key
	FileName  string    // Script file name, the idempotency key
	AppliedAt time.Time // Defaulted by the database at insert time
}

// Directory is a resolved source of scripts.
type Directory struct {
	FS       fs.FS  // File system holding the scripts
	Root     string // Directory (or single script) inside FS to walk
	Location string // Human-readable origin, e.g. "bundle:migrations/v1" or an absolute path
}

// ScriptFile is a script found under a Directory.
type ScriptFile struct {
	Name string // Base file name, used as the ledger key
	Path string // Slash-separated path inside Directory.FS
}

// SourceResult is the outcome of applying one resolved source.
type SourceResult struct {
	Specifier  string          // Specifier as supplied by the caller
	Location   string          // Resolved Directory.Location
	Applied    []string        // Scripts executed and recorded during this run
	Skipped    []string        // Scripts already present in the ledger
	Statements int             // Statements sent to the database
	Failures   []FailureRecord // Per-file failures, in encounter order
}

// Report summarises one invocation of Batch.Run.
type Report struct {
	RunID      string          // Random identifier attached to every log line of the run
	Sources    []SourceResult  // One entry per resolved specifier, in caller order
	Unresolved []string        // Specifiers that matched neither a bundle entry nor a path
	Failures   []FailureRecord // Every failure of the run
	Committed  bool            // Whether the run's work was committed
}

// Applied returns the names of all scripts applied during the run.
func (r Report) Applied() []string {
	var names []string
	for _, src := range r.Sources {
		names = append(names, src.Applied...)
	}
	return names
}

// Skipped returns the names of all scripts found already applied.
func (r Report) Skipped() []string {
	var names []string
	for _, src := range r.Sources {
		names = append(names, src.Skipped...)
	}
	return names
}

// Statements returns the number of statements executed during the run.
func (r Report) Statements() int {
	total := 0
	for _, src := range r.Sources {
		total += src.Statements
	}
	return total
}

// ScriptStatus describes one script as seen by Batch.Status.
type ScriptStatus struct {
	Location  string
	Name      string
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// StatusReport lists every script reachable from a set of specifiers.
type StatusReport struct {
	Scripts    []ScriptStatus
	Unresolved []string
	Failures   []FailureRecord
}

// Pending returns the scripts not yet recorded in the ledger.
func (s StatusReport) Pending() []ScriptStatus {
	var pending []ScriptStatus
	for _, script := range s.Scripts {
		if !script.Applied {
			pending = append(pending, script)
		}
	}
	return pending
}
