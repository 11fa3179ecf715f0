package upgrade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/sqlupgrade/internal/database"
)

var (
	// ErrStatementFailed matches failures raised by a script statement
	ErrStatementFailed = errors.New("statement failed")

	// ErrLedger indicates that the ledger table could not be created, read or written
	ErrLedger = errors.New("ledger operation failed")

	// ErrScriptRead indicates that a script or its directory could not be read
	ErrScriptRead = errors.New("cannot read script")

	// ErrResolve indicates that a source specifier could not be inspected
	ErrResolve = errors.New("cannot resolve source")
)

// FailureRecord ties an error to the source, script and statement that produced it.
type FailureRecord struct {
	Source    string // Directory location or specifier
	FileName  string // Script file name, empty for source-level failures
	Path      string // Script path inside the source
	Index     int    // 1-based statement index, 0 when no statement was running
	Statement string // Failing statement text
	Err       error  // Underlying error
}

// Error implements the error interface
func (f FailureRecord) Error() string {
	msg := "<nil>"
	if f.Err != nil {
		msg = f.Err.Error()
		if code := database.SQLState(f.Err); code != "" && !strings.Contains(msg, code) {
			msg = fmt.Sprintf("%s (SQLSTATE %s)", msg, code)
		}
	}

	where := f.Source
	if f.Path != "" {
		where = f.Source + ": " + f.Path
	}

	if f.Statement != "" {
		return fmt.Sprintf("%s: statement %d failed: %s: %s", where, f.Index, msg, strings.TrimSpace(f.Statement))
	}
	return fmt.Sprintf("%s: %s", where, msg)
}

// Unwrap returns the underlying error
func (f FailureRecord) Unwrap() error {
	return f.Err
}

// Is reports statement failures as ErrStatementFailed
func (f FailureRecord) Is(target error) bool {
	return target == ErrStatementFailed && f.Statement != ""
}

// BatchError is returned by Batch.Run when any failure occurred; the run was rolled back.
type BatchError struct {
	RunID    string
	Failures []FailureRecord
}

// Error joins the individual failure messages with newlines
func (e *BatchError) Error() string {
	messages := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		messages = append(messages, f.Error())
	}
	return strings.Join(messages, "\n")
}

// Unwrap exposes every failure to errors.Is and errors.As
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
