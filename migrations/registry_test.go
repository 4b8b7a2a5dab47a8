package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	alignment "github.com/goliatone/go-alignment"
	_ "github.com/mattn/go-sqlite3"
)

func TestTrees_ReturnsPairedPostgresAndSQLite(t *testing.T) {
	trees, err := Trees(nil)
	if err != nil {
		t.Fatalf("trees: %v", err)
	}
	if len(trees) != 2 {
		t.Fatalf("expected 2 trees, got %d", len(trees))
	}
	for _, tree := range trees {
		if len(tree.Ups) != 2 {
			t.Fatalf("expected 2 %s up migrations, got %v", tree.Dialect, tree.Ups)
		}
		if tree.Ups[0] != "00001_alignment_ingestion_schema.up.sql" {
			t.Fatalf("expected sorted ups for %s, got %v", tree.Dialect, tree.Ups)
		}
	}
	if trees[1].Path != "data/sql/migrations/sqlite" {
		t.Fatalf("unexpected sqlite path %q", trees[1].Path)
	}
}

func TestTrees_RejectsMissingDownMigration(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_init.up.sql":        {Data: []byte("SELECT 1;")},
		"data/sql/migrations/00001_init.down.sql":      {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/00001_init.up.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := Trees(root)
	if err == nil || !strings.Contains(err.Error(), "no down migration") {
		t.Fatalf("expected missing down error, got %v", err)
	}
}

func TestRegisterDialect_RejectsUnknownDialect(t *testing.T) {
	if _, err := RegisterDialect(context.Background(), "mysql", func(fs.FS) {}); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}

func TestRegisterDialect_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	if _, err := RegisterDialect(ctx, DialectSQLite, func(fs.FS) { called = true }); err == nil {
		t.Fatalf("expected context error")
	}
	if called {
		t.Fatalf("expected register not to run")
	}
}

func TestRegisterDialect_PassesOnlyRequestedTree(t *testing.T) {
	var trees []fs.FS
	reg, err := RegisterDialect(context.Background(), DialectPostgres, func(fsys fs.FS) {
		trees = append(trees, fsys)
	})
	if err != nil {
		t.Fatalf("register dialect: %v", err)
	}
	if len(trees) != 1 {
		t.Fatalf("expected one registered tree, got %d", len(trees))
	}
	if reg.Dialect != DialectPostgres || reg.Path != "data/sql/migrations" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if _, err := fs.ReadFile(trees[0], "00001_alignment_ingestion_schema.up.sql"); err != nil {
		t.Fatalf("expected postgres ingestion migration in tree: %v", err)
	}
}

func TestDialectForDriver(t *testing.T) {
	cases := map[string]string{
		"sqlite3":  DialectSQLite,
		"SQLite":   DialectSQLite,
		"postgres": DialectPostgres,
		"pgx":      DialectPostgres,
	}
	for driver, want := range cases {
		if got := DialectForDriver(driver); got != want {
			t.Fatalf("driver %q: expected %q, got %q", driver, want, got)
		}
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := alignment.GetMigrationsFS()
	for _, name := range []string{"00001_alignment_ingestion_schema", "00002_alignment_jobs_schema"} {
		for _, dir := range []string{"data/sql/migrations", "data/sql/migrations/sqlite"} {
			for _, suffix := range []string{".up.sql", ".down.sql"} {
				migrationPath := dir + "/" + name + suffix
				content, err := fs.ReadFile(root, migrationPath)
				if err != nil {
					t.Fatalf("read migration %s: %v", migrationPath, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", migrationPath)
				}
			}
		}
	}
}

func TestSQLiteMigrations_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-alignment-schema?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	sqliteMigrations, err := fs.Sub(alignment.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	ctx := context.Background()
	for _, migration := range []string{
		"00001_alignment_ingestion_schema.up.sql",
		"00002_alignment_jobs_schema.up.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	for _, tableName := range []string{
		"alignment_connections",
		"canonical_events",
		"dlq_events",
		"monitored_ads",
		"alignment_jobs",
		"alignment_reports",
		"alignment_alerts",
		"schedule_settings",
		"notification_targets",
		"alert_dispatches",
	} {
		if count := tableCount(t, db, tableName); count != 1 {
			t.Fatalf("expected table %s to exist after up migrations", tableName)
		}
	}

	insert := `INSERT INTO canonical_events (id, project_id, connection_id, provider, event_type, idempotency_key, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, insert, "evt-1", "proj-1", "conn-1", "shopify", "purchase", "shopify:1:purchase", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("insert first canonical event: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "evt-2", "proj-1", "conn-1", "shopify", "purchase", "shopify:1:purchase", "2026-01-01T00:00:00Z"); err == nil {
		t.Fatalf("expected unique violation on repeated idempotency key")
	}
	if _, err := db.ExecContext(ctx, insert, "evt-3", "proj-2", "conn-2", "shopify", "purchase", "shopify:1:purchase", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("expected same key in another project to insert: %v", err)
	}

	for _, migration := range []string{
		"00002_alignment_jobs_schema.down.sql",
		"00001_alignment_ingestion_schema.down.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}
	if count := tableCount(t, db, "canonical_events"); count != 0 {
		t.Fatalf("expected canonical_events to be dropped after down migrations")
	}
}

func tableCount(t *testing.T, db *sql.DB, tableName string) int {
	t.Helper()
	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		tableName,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master for %s: %v", tableName, err)
	}
	return count
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
