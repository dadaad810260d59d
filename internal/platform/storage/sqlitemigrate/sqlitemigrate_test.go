package sqlitemigrate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestApplyRunsMigrationsOnce(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"001_create.sql": {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"002_seed.sql":   {Data: []byte("INSERT INTO widgets (id) VALUES ('a');")},
	}

	if err := Apply(sqlDB, migrations, "."); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// A second run must skip the already-applied insert.
	if err := Apply(sqlDB, migrations, "."); err != nil {
		t.Fatalf("re-apply: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(*) FROM widgets").Scan(&count); err != nil {
		t.Fatalf("count widgets: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after re-apply, got %d", count)
	}
}

func TestApplyIgnoresNonSQLFiles(t *testing.T) {
	sqlDB := openTestDB(t)
	migrations := fstest.MapFS{
		"README.md":      {Data: []byte("not sql")},
		"001_create.sql": {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
	}

	if err := Apply(sqlDB, migrations, "."); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := sqlDB.Exec("INSERT INTO widgets (id) VALUES ('x')"); err != nil {
		t.Fatalf("expected widgets table to exist: %v", err)
	}
}

func TestApplyRequiresDB(t *testing.T) {
	if err := Apply(nil, fstest.MapFS{}, "."); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestApplyToleratesIdempotentDDL(t *testing.T) {
	sqlDB := openTestDB(t)
	if _, err := sqlDB.Exec("CREATE TABLE widgets (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("precreate table: %v", err)
	}
	migrations := fstest.MapFS{
		"001_create.sql": {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
	}
	if err := Apply(sqlDB, migrations, "."); err != nil {
		t.Fatalf("apply over existing table: %v", err)
	}
}
