package apply

import (
	"database/sql"
	"testing"

	"github.com/oosync/oosync/internal/outbox"
	"github.com/oosync/oosync/internal/registry"
	"github.com/oosync/oosync/internal/workerclient"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) (*sql.DB, *registry.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := outbox.InitControlSchema(db); err != nil {
		t.Fatalf("init control schema: %v", err)
	}
	if err := outbox.InitSchema(db); err != nil {
		t.Fatalf("init push_queue: %v", err)
	}

	schema := `
		CREATE TABLE accounts (id TEXT PRIMARY KEY, email TEXT, updated_at TEXT);
		CREATE TABLE notes (
			id TEXT PRIMARY KEY,
			account_id TEXT REFERENCES accounts(id),
			title TEXT,
			pinned INTEGER,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT
		);
		CREATE TABLE widgets (
			id TEXT PRIMARY KEY,
			owner_id TEXT,
			slug TEXT,
			label TEXT,
			updated_at TEXT,
			UNIQUE(owner_id, slug)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	reg := registry.New()
	reg.Register(registry.Table{Name: "accounts", PrimaryKey: []string{"id"}, LastModifiedColumn: "updated_at", Rank: 0, IsUserIdentity: true})
	reg.Register(registry.Table{Name: "notes", PrimaryKey: []string{"id"}, LastModifiedColumn: "updated_at", DeletedColumn: "deleted", BooleanColumns: []string{"pinned"}, Rank: 1})
	reg.Register(registry.Table{Name: "widgets", PrimaryKey: []string{"id"}, ConflictKeys: []string{"owner_id", "slug"}, LastModifiedColumn: "updated_at", Rank: 1})

	for _, tbl := range reg.Tables() {
		if err := outbox.InstallTriggers(db, tbl); err != nil {
			t.Fatalf("install triggers on %s: %v", tbl.Name, err)
		}
	}
	return db, reg
}

func TestApplyUpsertInsertsNewRow(t *testing.T) {
	db, reg := newTestDB(t)
	changes := []workerclient.Change{
		{Table: "notes", RowID: "n1", LastModifiedAt: "2026-01-01T00:00:00Z", Data: map[string]any{
			"id": "n1", "title": "hello", "pinned": true, "updated_at": "2026-01-01T00:00:00Z",
		}},
	}
	res, err := ApplyPage(db, reg, changes, "device-1")
	if err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}
	if res.Applied != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	var pinned int
	if err := db.QueryRow(`SELECT pinned FROM notes WHERE id = 'n1'`).Scan(&pinned); err != nil {
		t.Fatalf("query: %v", err)
	}
	if pinned != 1 {
		t.Fatalf("want pinned=1 (bool->int mapping), got %d", pinned)
	}
}

func TestApplySoftDelete(t *testing.T) {
	db, reg := newTestDB(t)
	db.Exec(`INSERT INTO notes (id, title, pinned, deleted, updated_at) VALUES ('n1', 'x', 0, 0, '2026-01-01T00:00:00Z')`)

	changes := []workerclient.Change{
		{Table: "notes", RowID: "n1", Deleted: true, LastModifiedAt: "2026-01-02T00:00:00Z", Data: map[string]any{"id": "n1"}},
	}
	res, err := ApplyPage(db, reg, changes, "device-1")
	if err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	var deleted int
	db.QueryRow(`SELECT deleted FROM notes WHERE id = 'n1'`).Scan(&deleted)
	if deleted != 1 {
		t.Fatal("expected soft-delete flag set")
	}
}

func TestApplyOrdersParentsBeforeChildrenOnInsert(t *testing.T) {
	db, reg := newTestDB(t)
	changes := []workerclient.Change{
		{Table: "notes", RowID: "n1", LastModifiedAt: "2026-01-01T00:00:00Z", Data: map[string]any{
			"id": "n1", "account_id": "a1", "title": "t", "pinned": false, "updated_at": "2026-01-01T00:00:00Z",
		}},
		{Table: "accounts", RowID: "a1", LastModifiedAt: "2026-01-01T00:00:00Z", Data: map[string]any{
			"id": "a1", "email": "a@example.com", "updated_at": "2026-01-01T00:00:00Z",
		}},
	}
	res, err := ApplyPage(db, reg, changes, "device-1")
	if err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}
	if res.Failed != 0 || len(res.Deferred) != 0 {
		t.Fatalf("expected rank ordering to satisfy the FK with no failures/deferrals, got %+v", res)
	}
}

func TestApplyDefersForeignKeyViolation(t *testing.T) {
	db, reg := newTestDB(t)
	// Only the child arrives this page; its parent isn't local yet.
	changes := []workerclient.Change{
		{Table: "notes", RowID: "n1", LastModifiedAt: "2026-01-01T00:00:00Z", Data: map[string]any{
			"id": "n1", "account_id": "missing-account", "title": "t", "pinned": false, "updated_at": "2026-01-01T00:00:00Z",
		}},
	}
	res, err := ApplyPage(db, reg, changes, "device-1")
	if err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("an FK violation should be deferred, not failed: %+v", res)
	}
	if len(res.Deferred) != 1 {
		t.Fatalf("want 1 deferred change, got %d", len(res.Deferred))
	}
}

func TestApplyCompositeKeyReconciliationKeepsLocalID(t *testing.T) {
	db, reg := newTestDB(t)
	// Local row "a" already exists with the natural key (owner_id=u1, slug=k1).
	db.Exec(`INSERT INTO widgets (id, owner_id, slug, label, updated_at) VALUES ('a', 'u1', 'k1', 'old label', '2026-01-01T00:00:00Z')`)

	// Remote sends the same natural key under a different synthetic id "b".
	changes := []workerclient.Change{
		{Table: "widgets", RowID: "b", LastModifiedAt: "2026-01-02T00:00:00Z", Data: map[string]any{
			"id": "b", "owner_id": "u1", "slug": "k1", "label": "new label", "updated_at": "2026-01-02T00:00:00Z",
		}},
	}
	res, err := ApplyPage(db, reg, changes, "device-1")
	if err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}
	if res.Applied != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	var id, label string
	if err := db.QueryRow(`SELECT id, label FROM widgets WHERE owner_id = 'u1' AND slug = 'k1'`).Scan(&id, &label); err != nil {
		t.Fatalf("query: %v", err)
	}
	if id != "a" {
		t.Fatalf("local synthetic id should be preserved, got id=%q", id)
	}
	if label != "new label" {
		t.Fatalf("non-key columns should be updated from remote, got label=%q", label)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM widgets`).Scan(&count)
	if count != 1 {
		t.Fatalf("expected exactly one row after reconciliation, got %d", count)
	}
}

func TestApplySuppressesAndRestoresTriggers(t *testing.T) {
	db, reg := newTestDB(t)
	changes := []workerclient.Change{
		{Table: "notes", RowID: "n1", LastModifiedAt: "2026-01-01T00:00:00Z", Data: map[string]any{
			"id": "n1", "title": "t", "pinned": false, "updated_at": "2026-01-01T00:00:00Z",
		}},
	}
	if _, err := ApplyPage(db, reg, changes, "device-1"); err != nil {
		t.Fatalf("ApplyPage: %v", err)
	}

	// The apply pipeline's own write must not have enqueued a push_queue row.
	items, err := outbox.GetPending(db, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no push_queue rows from the apply pipeline's own writes, got %d", len(items))
	}

	suppressedAt, _ := outbox.SuppressedAt(db)
	if suppressedAt != "" {
		t.Fatal("expected triggers to be restored after ApplyPage returns")
	}
}
