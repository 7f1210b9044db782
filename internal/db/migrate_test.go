package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestPendingOrdersSQLFiles(t *testing.T) {
	files := fstest.MapFS{
		"migrations/010_later.sql":  {Data: []byte("SELECT 1;")},
		"migrations/002_second.sql": {Data: []byte("SELECT 1;")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1;")},
		"migrations/README.md":      {Data: []byte("notes")},
	}

	versions, err := Pending(files)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := "001_first.sql,002_second.sql,010_later.sql"
	if got := strings.Join(versions, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEmbeddedMigrationsCoverCoreTables(t *testing.T) {
	versions, err := Pending(migrationFiles)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}

	var all strings.Builder
	for _, version := range versions {
		script, err := migrationFiles.ReadFile("migrations/" + version)
		if err != nil {
			t.Fatalf("read %s: %v", version, err)
		}
		all.Write(script)
	}

	for _, table := range []string{"users", "user_sessions", "audit_events", "posts"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("no migration creates %s", table)
		}
	}
}
