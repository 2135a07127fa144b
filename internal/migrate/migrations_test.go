package migrate

import (
	"testing"

	"voltgrid/internal/db"
)

func TestMigrateRecordsVersionAndReruns(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var v int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		t.Fatalf("read version: %v", err)
	}
	steps, err := loadSteps()
	if err != nil {
		t.Fatalf("load steps: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("no embedded schema steps")
	}
	if want := steps[len(steps)-1].version; v != want {
		t.Fatalf("recorded version = %d, want %d", v, want)
	}

	// a second run has nothing to apply and must not error
	if err := Migrate(conn); err != nil {
		t.Fatalf("rerun migrate: %v", err)
	}
	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("schema_version rows = %d, want 1", rows)
	}
}
