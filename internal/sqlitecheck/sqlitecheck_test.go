package sqlitecheck

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func makeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot_test.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	stmts := []string{
		"CREATE TABLE players (id INTEGER PRIMARY KEY, name TEXT)",
		"CREATE TABLE rankings (player_id INTEGER, rank INTEGER)",
		"INSERT INTO players (id, name) VALUES (1, 'a'), (2, 'b')",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

func TestProbe_WellFormedDatabase(t *testing.T) {
	path := makeSnapshot(t)
	if err := Probe(path, ""); err != nil {
		t.Fatalf("Probe() err=%v", err)
	}
	if err := Probe(path, "SELECT count(*) FROM players"); err != nil {
		t.Fatalf("Probe(custom) err=%v", err)
	}
}

func TestProbe_GarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot_bad.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	if err := Probe(path, ""); err == nil {
		t.Fatalf("expected error for non-database file")
	}
}

func TestProbe_MissingTable(t *testing.T) {
	path := makeSnapshot(t)
	if err := Probe(path, "SELECT count(*) FROM no_such_table"); err == nil {
		t.Fatalf("expected error for missing table")
	}
}

func TestProbe_RequiresPath(t *testing.T) {
	if err := Probe("", ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestInspect(t *testing.T) {
	info, err := Inspect(makeSnapshot(t))
	if err != nil {
		t.Fatalf("Inspect() err=%v", err)
	}
	if info.Tables != 2 {
		t.Fatalf("Tables=%d, want 2", info.Tables)
	}
	if info.PageSize <= 0 || info.PageCount <= 0 {
		t.Fatalf("info=%+v", info)
	}
}

func TestVerifier(t *testing.T) {
	verify := Verifier("")
	if err := verify(makeSnapshot(t)); err != nil {
		t.Fatalf("verify err=%v", err)
	}
}
