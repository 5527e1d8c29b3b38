package outbox

import (
	"database/sql"
	"testing"

	"github.com/oosync/oosync/internal/registry"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := InitControlSchema(db); err != nil {
		t.Fatalf("init control schema: %v", err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatalf("init push_queue schema: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT, updated_at TEXT)`); err != nil {
		t.Fatalf("create notes: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, owner_id TEXT, slug TEXT, updated_at TEXT)`); err != nil {
		t.Fatalf("create widgets: %v", err)
	}

	notes := registry.Table{Name: "notes", PrimaryKey: []string{"id"}, LastModifiedColumn: "updated_at"}
	if err := InstallTriggers(db, notes); err != nil {
		t.Fatalf("install triggers on notes: %v", err)
	}
	widgets := registry.Table{Name: "widgets", PrimaryKey: []string{"id"}, ConflictKeys: []string{"owner_id", "slug"}, LastModifiedColumn: "updated_at"}
	if err := InstallTriggers(db, widgets); err != nil {
		t.Fatalf("install triggers on widgets: %v", err)
	}
	return db
}

func TestInsertTriggerEnqueuesPending(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'hello', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	items, err := GetPending(db, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("want 1 pending item, got %d", len(items))
	}
	if items[0].Table != "notes" || items[0].RowID != "n1" || items[0].Op != OpInsert {
		t.Fatalf("unexpected item: %+v", items[0])
	}
}

func TestUpdateAndDeleteTriggersEnqueue(t *testing.T) {
	db := newTestDB(t)
	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'hello', '2026-01-01T00:00:00Z')`)
	MarkCompleted(db, mustFirstPendingID(t, db))

	db.Exec(`UPDATE notes SET title = 'bye' WHERE id = 'n1'`)
	items, _ := GetPending(db, 10)
	if len(items) != 1 || items[0].Op != OpUpdate {
		t.Fatalf("want 1 pending UPDATE, got %+v", items)
	}
	MarkCompleted(db, items[0].ID)

	db.Exec(`DELETE FROM notes WHERE id = 'n1'`)
	items, _ = GetPending(db, 10)
	if len(items) != 1 || items[0].Op != OpDelete || items[0].RowID != "n1" {
		t.Fatalf("want 1 pending DELETE for n1, got %+v", items)
	}
}

func TestSingleColumnKeyRowIDIsBareValue(t *testing.T) {
	db := newTestDB(t)
	db.Exec(`INSERT INTO widgets (id, owner_id, slug, updated_at) VALUES ('w1', 'u1', 'my-slug', '2026-01-01T00:00:00Z')`)

	items, _ := GetPending(db, 10)
	if len(items) != 1 {
		t.Fatalf("want 1 pending item, got %d", len(items))
	}
	if items[0].RowID != "w1" {
		t.Fatalf("widgets is keyed by id alone, want row_id=%q, got %q", "w1", items[0].RowID)
	}
}

func TestSuppressedTriggersDoNotEnqueue(t *testing.T) {
	db := newTestDB(t)
	if err := SuppressTriggers(db); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'hello', '2026-01-01T00:00:00Z')`)

	items, _ := GetPending(db, 10)
	if len(items) != 0 {
		t.Fatalf("expected no pending items while suppressed, got %d", len(items))
	}

	suppressedAt, err := SuppressedAt(db)
	if err != nil || suppressedAt == "" {
		t.Fatalf("expected non-empty suppression timestamp, got %q err=%v", suppressedAt, err)
	}

	if err := RestoreTriggers(db); err != nil {
		t.Fatalf("restore: %v", err)
	}
	db.Exec(`UPDATE notes SET title = 'after restore' WHERE id = 'n1'`)
	items, _ = GetPending(db, 10)
	if len(items) != 1 {
		t.Fatalf("expected trigger to fire again after restore, got %d items", len(items))
	}
}

func TestBackfillSinceRecoversSuppressedWrite(t *testing.T) {
	db := newTestDB(t)
	reg := registry.New()
	reg.Register(registry.Table{Name: "notes", PrimaryKey: []string{"id"}, LastModifiedColumn: "updated_at"})

	if err := SuppressTriggers(db); err != nil {
		t.Fatalf("suppress: %v", err)
	}
	since, _ := SuppressedAt(db)
	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'concurrent write', '2099-01-01T00:00:00Z')`)
	if err := RestoreTriggers(db); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// No pending items yet — the write landed while triggers were off.
	items, _ := GetPending(db, 10)
	if len(items) != 0 {
		t.Fatalf("expected no pending items before backfill, got %d", len(items))
	}

	n, err := BackfillSince(db, reg, since, nil, "device-1")
	if err != nil {
		t.Fatalf("BackfillSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 backfilled row, got %d", n)
	}

	items, _ = GetPending(db, 10)
	if len(items) != 1 || items[0].RowID != "n1" {
		t.Fatalf("expected backfilled row for n1, got %+v", items)
	}
}

func TestBackfillSinceSkipsRowsAlreadyPending(t *testing.T) {
	db := newTestDB(t)
	reg := registry.New()
	reg.Register(registry.Table{Name: "notes", PrimaryKey: []string{"id"}, LastModifiedColumn: "updated_at"})

	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'hello', '2099-01-01T00:00:00Z')`)
	// Trigger already enqueued this row; backfill must not double-enqueue it.
	n, err := BackfillSince(db, reg, "2000-01-01T00:00:00Z", nil, "device-1")
	if err != nil {
		t.Fatalf("BackfillSince: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 backfilled rows (already pending), got %d", n)
	}
}

func TestMarkFailedIncrementsAttemptsAndResetsToPending(t *testing.T) {
	db := newTestDB(t)
	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'hello', '2026-01-01T00:00:00Z')`)
	id := mustFirstPendingID(t, db)

	if err := MarkInProgress(db, id); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := MarkFailed(db, id, sql.ErrConnDone); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	items, _ := GetPending(db, 10)
	if len(items) != 1 {
		t.Fatalf("expected item back in pending after failure, got %d", len(items))
	}
	if items[0].Attempts != 1 {
		t.Fatalf("want attempts=1, got %d", items[0].Attempts)
	}
	if items[0].LastError == "" {
		t.Fatal("expected last_error to be recorded")
	}
}

func TestGetStatsCountsByStatus(t *testing.T) {
	db := newTestDB(t)
	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n1', 'a', '2026-01-01T00:00:00Z')`)
	db.Exec(`INSERT INTO notes (id, title, updated_at) VALUES ('n2', 'b', '2026-01-01T00:00:00Z')`)
	items, _ := GetPending(db, 10)
	MarkPermanentlyFailed(db, items[0].ID, nil)

	stats, err := GetStats(db)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Pending != 1 || stats.Failed != 1 || stats.Total != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func mustFirstPendingID(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	items, err := GetPending(db, 10)
	if err != nil || len(items) == 0 {
		t.Fatalf("expected a pending item, got %v err=%v", items, err)
	}
	return items[0].ID
}
