package upgrade

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"
)

// savepointName guards each script so a failed statement leaves the transaction usable
// for the scripts that follow it.
const savepointName = "sqlupgrade_script"

// Runner applies the scripts of one resolved source.
type Runner struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewRunner creates a runner recording into ledger; logger may be nil.
func NewRunner(ledger *Ledger, logger *slog.Logger) *Runner {
	return &Runner{
		ledger: ledger,
		logger: logger,
	}
}

type scriptOutcome struct {
	skipped    bool
	statements int
	failure    *FailureRecord
}

// ApplySource ensures the ledger table, then runs every pending script under dir in walk
// order. A failing script is reported and the next script is attempted; nothing is
// committed or rolled back here apart from the ledger table creation.
func (r *Runner) ApplySource(ctx context.Context, conn Conn, dir Directory) SourceResult {
	logger := componentLogger(ctx, r.logger, "runner", "source", dir.Location)
	result := SourceResult{Location: dir.Location}

	if err := r.ledger.EnsureTable(ctx, conn); err != nil {
		logger.Error("failed to ensure ledger table", "error", err)
		result.Failures = append(result.Failures, FailureRecord{Source: dir.Location, Err: err})
		return result
	}

	scripts, failures := Scan(dir)
	for _, failure := range failures {
		logger.Error("failed to read source entry", "path", failure.Path, "error", failure.Err)
	}
	result.Failures = append(result.Failures, failures...)
	logger.Info("processing source", "scripts", len(scripts))

	for i, script := range scripts {
		if err := ctx.Err(); err != nil {
			logger.Error("source interrupted", "remaining", len(scripts)-i, "error", err)
			result.Failures = append(result.Failures, FailureRecord{
				Source: dir.Location,
				Err:    fmt.Errorf("interrupted with %d scripts remaining: %w", len(scripts)-i, err),
			})
			break
		}

		outcome := r.applyScript(ctx, conn, dir, script, logger.With("file", script.Path))
		result.Statements += outcome.statements

		switch {
		case outcome.failure != nil:
			result.Failures = append(result.Failures, *outcome.failure)
		case outcome.skipped:
			result.Skipped = append(result.Skipped, script.Name)
		default:
			result.Applied = append(result.Applied, script.Name)
		}
	}

	return result
}

func (r *Runner) applyScript(ctx context.Context, conn Conn, dir Directory, script ScriptFile, logger *slog.Logger) scriptOutcome {
	fail := func(err error) scriptOutcome {
		logger.Error("script failed", "kind", ErrorKind(err), "error", err)
		return scriptOutcome{failure: &FailureRecord{
			Source:   dir.Location,
			FileName: script.Name,
			Path:     script.Path,
			Err:      err,
		}}
	}

	applied, err := r.ledger.HasApplied(ctx, conn, script.Name)
	if err != nil {
		return fail(err)
	}
	if applied {
		logger.Info("script has already been applied", "name", script.Name)
		return scriptOutcome{skipped: true}
	}

	raw, err := fs.ReadFile(dir.FS, script.Path)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrScriptRead, err))
	}
	statements := Split(string(raw))

	if _, err := conn.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return fail(fmt.Errorf("open savepoint: %w", err))
	}

	startTime := time.Now()
	executed := 0
	for i, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}

		logger.Debug("running statement", "index", i+1, "sql", stmt)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			logger.Error("statement failed", "index", i+1, "sql", stmt, "error", err)
			r.rollbackScript(ctx, conn, logger)
			return scriptOutcome{
				statements: executed,
				failure: &FailureRecord{
					Source:    dir.Location,
					FileName:  script.Name,
					Path:      script.Path,
					Index:     i + 1,
					Statement: stmt,
					Err:       err,
				},
			}
		}
		executed++
	}

	if err := r.ledger.Record(ctx, conn, script.Name); err != nil {
		r.rollbackScript(ctx, conn, logger)
		outcome := fail(err)
		outcome.statements = executed
		return outcome
	}

	if _, err := conn.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		outcome := fail(fmt.Errorf("release savepoint: %w", err))
		outcome.statements = executed
		return outcome
	}

	logger.Info("recorded script", "name", script.Name, "statements", executed, "duration", time.Since(startTime))
	return scriptOutcome{statements: executed}
}

func (r *Runner) rollbackScript(ctx context.Context, conn Conn, logger *slog.Logger) {
	if _, err := conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); err != nil {
		logger.Warn("failed to roll back to savepoint", "error", err)
		return
	}
	if _, err := conn.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		logger.Warn("failed to release savepoint", "error", err)
	}
}
