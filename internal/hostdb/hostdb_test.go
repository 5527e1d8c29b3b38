package hostdb

import (
	"testing"

	"github.com/oosync/oosync/internal/outbox"
	"github.com/oosync/oosync/internal/registry"
)

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"accounts", "notes", "widgets", "push_queue", "sync_control"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestRegisterAllInstallsTriggersAndRegistry(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	reg := registry.New()
	if err := RegisterAll(db, reg); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	order := reg.TableNames()
	if len(order) != 3 || order[0] != "accounts" {
		t.Fatalf("registration order = %v, want accounts first", order)
	}

	if _, err := db.Exec(`INSERT INTO accounts (id, email, updated_at) VALUES ('a1', 'x@example.com', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO notes (id, account_id, title, updated_at) VALUES ('n1', 'a1', 'hi', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert note: %v", err)
	}

	items, err := outbox.GetPending(db, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 push_queue entries from triggers, got %d", len(items))
	}
}
