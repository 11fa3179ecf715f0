package main

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/sqlupgrade/internal/config"
	"github.com/example/sqlupgrade/internal/database"
	"github.com/example/sqlupgrade/internal/logging"
	"github.com/example/sqlupgrade/internal/upgrade"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	driver     string
	dsn        string
	username   string
	bundle     string
	logLevel   string
	logFormat  string
	logFile    string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "sqlupgrade",
		Short:         "Apply SQL upgrade scripts exactly once, as one transaction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file (default $SQLUPGRADE_CONFIG)")
	flags.StringVar(&opts.driver, "driver", "", "database driver: sqlite, pgx or postgres")
	flags.StringVar(&opts.dsn, "dsn", "", "database file or connection URL")
	flags.StringVar(&opts.username, "username", "", "database user (password is read from $SQLUPGRADE_PASSWORD)")
	flags.StringVar(&opts.bundle, "bundle", "", "zip archive searched before the file system")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "json or text")
	flags.StringVar(&opts.logFile, "log-file", "", "also write logs to this rotating file")

	root.AddCommand(
		&cobra.Command{
			Use:   "apply [SOURCE...]",
			Short: "Apply every pending script of the given sources",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), opts, args, stdout, stderr, apply)
			},
		},
		&cobra.Command{
			Use:   "status [SOURCE...]",
			Short: "List scripts and whether they have been applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), opts, args, stdout, stderr, status)
			},
		},
	)
	return root
}

// loadConfig layers the command line over config.LoadFrom.
func loadConfig(opts *rootOptions, args []string) (config.Config, error) {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}

	override := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}
	override(&cfg.Driver, opts.driver)
	override(&cfg.DSN, opts.dsn)
	override(&cfg.Username, opts.username)
	override(&cfg.Bundle, opts.bundle)
	override(&cfg.Log.Level, opts.logLevel)
	override(&cfg.Log.Format, opts.logFormat)
	override(&cfg.Log.File, opts.logFile)
	if len(args) > 0 {
		cfg.Sources = args
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if len(cfg.Sources) == 0 {
		return config.Config{}, errors.New("no sources given: pass them as arguments or set SQLUPGRADE_SOURCES")
	}
	return cfg, nil
}

type action func(ctx context.Context, batch *upgrade.Batch, sources []string, conn *database.Conn, stdout io.Writer) error

func run(ctx context.Context, opts *rootOptions, args []string, stdout, stderr io.Writer, act action) error {
	cfg, err := loadConfig(opts, args)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return err
	}

	logger, logCloser, err := logging.New(stderr, cfg.LoggingOptions())
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return err
	}
	defer logCloser.Close()

	bundle, closeBundle, err := openBundle(cfg.Bundle)
	if err != nil {
		logger.Error("failed to open bundle", "bundle", cfg.Bundle, "error", err)
		return err
	}
	defer closeBundle()

	pool, err := database.Open(ctx, cfg.PoolConfig())
	if err != nil {
		logger.Error("failed to open database pool", "driver", cfg.Driver, "error", err)
		return err
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			logger.Error("failed to close database pool", "error", cerr)
		}
	}()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		logger.Error("failed to acquire database connection", "error", err)
		return err
	}

	batch := upgrade.New(upgrade.Config{
		Dialect: pool.Dialect(),
		Bundle:  bundle,
		Logger:  logger,
	})
	return act(logging.ContextWithLogger(ctx, logger), batch, cfg.Sources, conn, stdout)
}

func apply(ctx context.Context, batch *upgrade.Batch, sources []string, conn *database.Conn, stdout io.Writer) error {
	report, err := batch.Run(ctx, sources, conn)

	fmt.Fprintf(stdout, "run %s: %d applied, %d already applied, %d statements, %d unresolved\n",
		report.RunID, len(report.Applied()), len(report.Skipped()), report.Statements(), len(report.Unresolved))
	for _, name := range report.Applied() {
		fmt.Fprintf(stdout, "  applied  %s\n", name)
	}
	for _, spec := range report.Unresolved {
		fmt.Fprintf(stdout, "  missing  %s\n", spec)
	}
	if err != nil {
		fmt.Fprintf(stdout, "rolled back:\n%v\n", err)
		return err
	}
	return nil
}

func status(ctx context.Context, batch *upgrade.Batch, sources []string, conn *database.Conn, stdout io.Writer) error {
	report, err := batch.Status(ctx, sources, conn)
	if err != nil {
		fmt.Fprintf(stdout, "error: %v\n", err)
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tNAME\tLOCATION\tAPPLIED AT")
	for _, script := range report.Scripts {
		state, at := "pending", "-"
		if script.Applied {
			state = "applied"
			if !script.AppliedAt.IsZero() {
				at = script.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", state, script.Name, script.Location, at)
	}
	for _, spec := range report.Unresolved {
		fmt.Fprintf(w, "missing\t-\t%s\t-\n", spec)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(report.Failures) > 0 {
		logger := logging.FromContext(ctx)
		for _, failure := range report.Failures {
			logger.Error("status failure", "error", failure.Error())
			fmt.Fprintf(stdout, "error: %v\n", failure)
		}
		return &upgrade.BatchError{Failures: report.Failures}
	}
	return nil
}

// openBundle opens a zip archive of scripts; an empty path yields a nil bundle.
func openBundle(path string) (fs.FS, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle %s: %w", path, err)
	}
	return archive, func() { archive.Close() }, nil
}
