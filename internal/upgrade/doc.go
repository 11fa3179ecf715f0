// Package upgrade applies SQL upgrade scripts to a database exactly once.
//
// Scripts are plain .sql files collected from one or more sources. A source
// specifier names either a location inside a bundled file system (an embed.FS,
// a zip archive, ...) or a path on the local file system; specifiers that
// resolve to neither are skipped. Every script is keyed by its file name in the
// completed_upgrade_sql_files ledger table, so a script that has been recorded
// is never executed again.
//
// A whole invocation is one unit of work:
//
//   - the ledger table is created (and committed) on first use
//   - each script runs statement by statement; the first failing statement
//     aborts that script only, and sibling scripts keep running
//   - if any script failed anywhere, the connection is rolled back and a
//     *BatchError lists every failure; otherwise it is committed once
//   - the connection is closed on every exit path
//
// Script text is split naively: whole lines starting with "--" are dropped,
// the remaining lines are concatenated and split on ";". Semicolons and
// comment markers inside string literals are not special.
//
// Example usage:
//
//	pool, err := database.Open(ctx, database.DefaultPoolConfig("sqlite", "app.db"))
//	...
//	conn, err := pool.Acquire(ctx)
//	...
//	batch := upgrade.New(upgrade.Config{Dialect: pool.Dialect(), Bundle: migrationsFS})
//	report, err := batch.Run(ctx, []string{"migrations/v1", "/opt/app/sql"}, conn)
package upgrade
