package syncharness

import "testing"

// Widgets are keyed by the composite (owner_id, slug) unique constraint
// rather than a shared primary key, so two clients creating what they each
// think is a fresh row with the same slug must reconcile onto one row
// instead of producing a duplicate.
func TestCompositeConflictKeyReconciles(t *testing.T) {
	h := NewHarness(t, "user-1", "client-A", "client-B")

	h.UpsertWidget("client-A", "widget-a-local-id", "dashboard", "Dashboard")
	h.UpsertWidget("client-B", "widget-b-local-id", "dashboard", "Dashboard (renamed)")
	h.SyncAll()

	h.AssertConverged("widgets")

	var count int
	if err := h.Client("client-A").DB.QueryRow(
		`SELECT COUNT(*) FROM widgets WHERE owner_id = ? AND slug = ?`, h.UserID, "dashboard",
	).Scan(&count); err != nil {
		t.Fatalf("count widgets: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d rows for slug %q, want exactly 1", count, "dashboard")
	}
}

func TestDistinctSlugsDoNotCollide(t *testing.T) {
	h := NewHarness(t, "user-1", "client-A", "client-B")

	h.UpsertWidget("client-A", "widget-1", "inbox", "Inbox")
	h.UpsertWidget("client-B", "widget-2", "calendar", "Calendar")
	h.SyncAll()

	h.AssertConverged("widgets")
}
