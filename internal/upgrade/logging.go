package upgrade

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/sqlupgrade/internal/logging"
)

func baseLogger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

func componentLogger(ctx context.Context, base *slog.Logger, component string, attrs ...any) *slog.Logger {
	logger := baseLogger(ctx, base)

	pairs := []any{"component", component}
	if len(attrs) > 0 {
		pairs = append(pairs, attrs...)
	}
	return logger.With(pairs...)
}

// ErrorKind maps upgrade errors to a stable logging label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStatementFailed):
		return "statement"
	case errors.Is(err, ErrLedger):
		return "ledger"
	case errors.Is(err, ErrScriptRead):
		return "read"
	case errors.Is(err, ErrResolve):
		return "resolve"
	}
	return "unexpected"
}
