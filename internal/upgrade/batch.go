package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/sqlupgrade/internal/database"
	"github.com/example/sqlupgrade/internal/logging"
)

// Config configures a Batch.
type Config struct {
	// Dialect selects the ledger SQL; it must match the connections passed to Run.
	Dialect database.Dialect

	// Bundle holds packaged scripts. Nil when scripts only ship on the file system.
	Bundle fs.FS

	// Logger receives progress and failure reports; slog.Default() when nil.
	Logger *slog.Logger
}

// Batch runs every requested source on one connection and commits or rolls back the
// whole invocation.
type Batch struct {
	resolver *Resolver
	dialect  database.Dialect
	logger   *slog.Logger
}

// New creates a Batch.
func New(cfg Config) *Batch {
	return &Batch{
		resolver: NewResolver(cfg.Bundle),
		dialect:  cfg.Dialect,
		logger:   cfg.Logger,
	}
}

// Run applies the sources named by specifiers, in order, on conn. If any failure was
// recorded the connection is rolled back and a *BatchError is returned; otherwise the
// connection is committed once. conn is closed before Run returns, whatever the outcome.
func (b *Batch) Run(ctx context.Context, specifiers []string, conn Conn) (report Report, err error) {
	report.RunID = uuid.NewString()
	ctx = logging.ContextWithLogger(ctx, baseLogger(ctx, b.logger).With("run_id", report.RunID))
	logger := componentLogger(ctx, b.logger, "batch")
	startTime := time.Now()

	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Error("failed to close connection", "error", cerr)
			if err == nil {
				err = fmt.Errorf("close connection: %w", cerr)
			}
		}
	}()

	logger.Info("upgrade batch starting", "sources", len(specifiers))

	ledger := NewLedger(b.dialect)
	runner := NewRunner(ledger, b.logger)

	for _, spec := range specifiers {
		dir, ok, rerr := b.resolver.Resolve(spec)
		switch {
		case rerr != nil:
			logger.Error("failed to resolve source", "specifier", spec, "error", rerr)
			report.Failures = append(report.Failures, FailureRecord{Source: spec, Err: rerr})
		case !ok:
			logger.Info("source not found, skipping", "specifier", spec)
			report.Unresolved = append(report.Unresolved, spec)
		default:
			result := runner.ApplySource(ctx, conn, dir)
			result.Specifier = spec
			report.Sources = append(report.Sources, result)
			report.Failures = append(report.Failures, result.Failures...)
		}
	}

	if len(report.Failures) > 0 {
		for _, failure := range report.Failures {
			logger.Error("upgrade failure", "kind", ErrorKind(failure), "error", failure.Error())
		}
		batchErr := &BatchError{RunID: report.RunID, Failures: report.Failures}

		if rbErr := conn.Rollback(); rbErr != nil {
			logger.Error("failed to roll back upgrade batch", "error", rbErr)
			return report, errors.Join(batchErr, fmt.Errorf("rollback: %w", rbErr))
		}
		logger.Warn("upgrade batch rolled back", "failures", len(report.Failures), "duration", time.Since(startTime))
		return report, batchErr
	}

	if err := conn.Commit(); err != nil {
		logger.Error("failed to commit upgrade batch", "error", err)
		return report, fmt.Errorf("commit upgrade batch: %w", err)
	}
	report.Committed = true

	logger.Info("upgrade batch committed",
		"applied", len(report.Applied()),
		"skipped", len(report.Skipped()),
		"statements", report.Statements(),
		"unresolved", len(report.Unresolved),
		"duration", time.Since(startTime))
	return report, nil
}

// Status lists every script reachable from specifiers together with its ledger state.
// It creates the ledger table if needed and otherwise changes nothing; conn is closed
// before Status returns.
func (b *Batch) Status(ctx context.Context, specifiers []string, conn Conn) (status StatusReport, err error) {
	logger := componentLogger(ctx, b.logger, "status")

	defer func() {
		if rbErr := conn.Rollback(); rbErr != nil {
			logger.Warn("failed to roll back status queries", "error", rbErr)
		}
		if cerr := conn.Close(); cerr != nil {
			logger.Error("failed to close connection", "error", cerr)
			if err == nil {
				err = fmt.Errorf("close connection: %w", cerr)
			}
		}
	}()

	ledger := NewLedger(b.dialect)
	if err := ledger.EnsureTable(ctx, conn); err != nil {
		logger.Error("failed to ensure ledger table", "kind", ErrorKind(err), "error", err)
		return status, err
	}

	records, err := ledger.List(ctx, conn)
	if err != nil {
		logger.Error("failed to read ledger", "kind", ErrorKind(err), "error", err)
		return status, err
	}
	appliedAt := make(map[string]time.Time, len(records))
	for _, record := range records {
		if _, seen := appliedAt[record.FileName]; !seen {
			appliedAt[record.FileName] = record.AppliedAt
		}
	}

	for _, spec := range specifiers {
		dir, ok, rerr := b.resolver.Resolve(spec)
		if rerr != nil {
			status.Failures = append(status.Failures, FailureRecord{Source: spec, Err: rerr})
			continue
		}
		if !ok {
			status.Unresolved = append(status.Unresolved, spec)
			continue
		}

		scripts, failures := Scan(dir)
		status.Failures = append(status.Failures, failures...)
		for _, script := range scripts {
			at, applied := appliedAt[script.Name]
			status.Scripts = append(status.Scripts, ScriptStatus{
				Location:  dir.Location,
				Name:      script.Name,
				Path:      script.Path,
				Applied:   applied,
				AppliedAt: at,
			})
		}
	}

	logger.Info("upgrade status collected",
		"scripts", len(status.Scripts),
		"pending", len(status.Pending()),
		"unresolved", len(status.Unresolved))
	return status, nil
}
