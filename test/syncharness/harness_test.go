package syncharness

import "testing"

func TestTwoClientsConvergeOnCreate(t *testing.T) {
	h := NewHarness(t, "user-1", "client-A", "client-B")

	h.UpsertNote("client-A", "note-1", "Fix bug", false)
	h.SyncAll()

	h.AssertConverged("notes")
	if diff := h.Diff("client-A", "client-B", "notes"); diff != "" {
		t.Fatalf("expected convergence, got:\n%s", diff)
	}
}

func TestConcurrentEditsOnDifferentRowsConverge(t *testing.T) {
	h := NewHarness(t, "user-1", "client-A", "client-B")

	h.UpsertNote("client-A", "note-1", "from A", false)
	h.UpsertNote("client-B", "note-2", "from B", false)
	h.SyncAll()

	h.AssertConverged("notes")
}

func TestLastPushWinsOnSameRow(t *testing.T) {
	h := NewHarness(t, "user-1", "client-A", "client-B")

	h.UpsertNote("client-A", "note-1", "initial", false)
	h.SyncAll()

	// Both clients now have note-1. The server applies pushes in arrival
	// order with an unconditional upsert (no timestamp comparison), so
	// whichever client's push lands last on the server wins outright —
	// here B's, since its Sync call runs after A's.
	h.UpsertNote("client-A", "note-1", "from A", false)
	h.Sync("client-A")
	h.UpsertNote("client-B", "note-1", "from B", true)
	h.Sync("client-B")
	h.Sync("client-A")

	h.AssertConverged("notes")
	got := h.Client("client-A").DB
	var title string
	var pinned bool
	if err := got.QueryRow(`SELECT title, pinned FROM notes WHERE id = ?`, "note-1").Scan(&title, &pinned); err != nil {
		t.Fatalf("query note-1: %v", err)
	}
	if title != "from B" || !pinned {
		t.Fatalf("got title=%q pinned=%v, want title=%q pinned=true", title, pinned, "from B")
	}
}

func TestIncrementalSyncAfterInitial(t *testing.T) {
	h := NewHarness(t, "user-1", "client-A", "client-B")

	h.UpsertNote("client-A", "note-1", "first", false)
	h.SyncAll()
	h.AssertConverged("notes")

	h.UpsertNote("client-B", "note-2", "second", false)
	report := h.Sync("client-B")
	if report.Failed != 0 {
		t.Fatalf("unexpected failures: %v", report.Errors)
	}
	h.Sync("client-A")
	h.AssertConverged("notes")
}
