package engine

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newWatermarkTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := InitWatermarkSchema(db); err != nil {
		t.Fatalf("init watermark schema: %v", err)
	}
	return db
}

func TestWatermarkAbsentIsColdStart(t *testing.T) {
	db := newWatermarkTestDB(t)
	v, err := GetWatermark(db, "user-1")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if v != "" {
		t.Fatalf("expected empty watermark, got %q", v)
	}
}

func TestWatermarkSetAndGet(t *testing.T) {
	db := newWatermarkTestDB(t)
	if err := SetWatermark(db, "user-1", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	v, err := GetWatermark(db, "user-1")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if v != "2026-01-01T00:00:00Z" {
		t.Fatalf("got %q", v)
	}

	if err := SetWatermark(db, "user-1", "2026-02-01T00:00:00Z"); err != nil {
		t.Fatalf("SetWatermark (update): %v", err)
	}
	v, _ = GetWatermark(db, "user-1")
	if v != "2026-02-01T00:00:00Z" {
		t.Fatalf("expected watermark to update in place, got %q", v)
	}
}

func TestWatermarkIsolatedPerUser(t *testing.T) {
	db := newWatermarkTestDB(t)
	SetWatermark(db, "user-1", "2026-01-01T00:00:00Z")
	v, _ := GetWatermark(db, "user-2")
	if v != "" {
		t.Fatalf("expected user-2's watermark to remain unset, got %q", v)
	}
}

func TestClearWatermarkResetsToColdStart(t *testing.T) {
	db := newWatermarkTestDB(t)
	SetWatermark(db, "user-1", "2026-01-01T00:00:00Z")
	if err := ClearWatermark(db, "user-1"); err != nil {
		t.Fatalf("ClearWatermark: %v", err)
	}
	v, _ := GetWatermark(db, "user-1")
	if v != "" {
		t.Fatalf("expected watermark cleared, got %q", v)
	}
}
