package store

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePairedAndOrdered(t *testing.T) {
	list, err := loadMigrations(MigrationsFS(""))
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	want := []string{"0001", "0002"}
	if len(list) != len(want) {
		t.Fatalf("embedded migrations = %d, want %d", len(list), len(want))
	}
	for i, m := range list {
		if m.version != want[i] {
			t.Fatalf("migration %d version = %s, want %s", i, m.version, want[i])
		}
		if strings.TrimSpace(m.downSQL) == "" {
			t.Fatalf("migration %s has an empty down file", m.version)
		}
	}
}

func TestSyncStateMigrationCascadesFromDocuments(t *testing.T) {
	list, err := loadMigrations(MigrationsFS(""))
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	var syncState string
	for _, m := range list {
		if m.up == "0002_sync_state.up.sql" {
			syncState = m.upSQL
		}
	}
	for _, snippet := range []string{
		"REFERENCES documents (id) ON DELETE CASCADE",
		"REFERENCES sync_states (document_id) ON DELETE CASCADE",
		"PRIMARY KEY (document_id, version)",
	} {
		if !strings.Contains(syncState, snippet) {
			t.Fatalf("expected sync state migration to contain %q", snippet)
		}
	}
}
