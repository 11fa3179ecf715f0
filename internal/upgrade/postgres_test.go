package upgrade

import (
	"context"
	"errors"
	"net/url"
	"os"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"

	"github.com/example/sqlupgrade/internal/database"
)

// openPostgresPool connects to SQLUPGRADE_TEST_PG_DSN with a private schema as search path.
func openPostgresPool(t *testing.T) (*database.Pool, string) {
	t.Helper()

	dsn := os.Getenv("SQLUPGRADE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("SQLUPGRADE_TEST_PG_DSN is not set")
	}

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("Invalid SQLUPGRADE_TEST_PG_DSN: %v", err)
	}
	schema := "sqlupgrade_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	query := u.Query()
	query.Set("search_path", schema)
	u.RawQuery = query.Encode()

	pool, err := database.Open(context.Background(), database.DefaultPoolConfig(database.DriverPgx, u.String()))
	if err != nil {
		t.Fatalf("Failed to open postgres pool: %v", err)
	}
	if _, err := pool.DB().Exec("CREATE SCHEMA " + schema); err != nil {
		pool.Close()
		t.Fatalf("Failed to create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		pool.DB().Exec("DROP SCHEMA " + schema + " CASCADE")
		pool.Close()
	})
	return pool, schema
}

func pgTableExists(t *testing.T, pool *database.Pool, schema, table string) bool {
	t.Helper()

	var count int
	err := pool.DB().QueryRow(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		schema, table,
	).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to inspect information_schema: %v", err)
	}
	return count > 0
}

func TestPostgres_RunRollsBackEverything(t *testing.T) {
	pool, schema := openPostgresPool(t)
	if pool.Dialect() != database.Postgres {
		t.Fatalf("Expected the postgres dialect, got %s", pool.Dialect())
	}

	bundle := fstest.MapFS{
		"first/001_users.sql":    {Data: []byte("CREATE TABLE users (id INTEGER);\nINSERT INTO users VALUES (1);")},
		"second/002_orders.sql":  {Data: []byte("CREATE TABLE orders (id INTEGER);")},
		"second/003_broken.sql":  {Data: []byte("INSERT INTO nowhere VALUES (1);")},
		"second/004_regions.sql": {Data: []byte("CREATE TABLE regions (id INTEGER);")},
	}
	batch := newTestBatch(pool, bundle)
	conn := &spyConn{Conn: acquire(t, pool)}

	report, err := batch.Run(context.Background(), []string{"first", "second"}, conn)

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Expected a *BatchError, got %T: %v", err, err)
	}
	if len(batchErr.Failures) != 1 || batchErr.Failures[0].FileName != "003_broken.sql" {
		t.Fatalf("Expected only 003_broken.sql to fail, got %v", batchErr.Failures)
	}
	if !strings.Contains(err.Error(), "SQLSTATE 42P01") {
		t.Errorf("Expected the SQLSTATE in the message, got %q", err.Error())
	}
	// the savepoint kept the transaction usable for the script after the failure
	if got := report.Applied(); !reflect.DeepEqual(got, []string{"001_users.sql", "002_orders.sql", "004_regions.sql"}) {
		t.Errorf("Applied = %v", got)
	}
	if conn.closes != 1 || conn.rollbacks != 1 {
		t.Errorf("Expected one close and one rollback, got closes=%d rollbacks=%d", conn.closes, conn.rollbacks)
	}

	for _, table := range []string{"users", "orders", "regions"} {
		if pgTableExists(t, pool, schema, table) {
			t.Errorf("Expected %s to be rolled back", table)
		}
	}
	if !pgTableExists(t, pool, schema, LedgerTable) {
		t.Errorf("Expected %s to survive the rollback", LedgerTable)
	}
}

func TestPostgres_RunIsIdempotent(t *testing.T) {
	pool, schema := openPostgresPool(t)

	bundle := fstest.MapFS{
		"migrations/v1/001_init.sql": {Data: []byte("CREATE TABLE t(id INT);")},
		"migrations/v1/002_seed.sql": {Data: []byte("-- seed\nINSERT INTO t VALUES(1);")},
	}
	batch := newTestBatch(pool, bundle)
	ctx := context.Background()
	specifiers := []string{"migrations/v1"}

	first, err := batch.Run(ctx, specifiers, acquire(t, pool))
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if len(first.Applied()) != 2 || !pgTableExists(t, pool, schema, "t") {
		t.Fatalf("Expected both scripts to be committed, got %v", first.Applied())
	}

	second, err := batch.Run(ctx, specifiers, acquire(t, pool))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if second.Statements() != 0 || len(second.Skipped()) != 2 {
		t.Errorf("Expected a no-op second run, got %d statements and skipped %v", second.Statements(), second.Skipped())
	}

	status, err := batch.Status(ctx, specifiers, acquire(t, pool))
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, script := range status.Scripts {
		if !script.Applied || script.AppliedAt.IsZero() {
			t.Errorf("Expected %s to be applied with a timestamp, got %+v", script.Name, script)
		}
	}
}
