package engine

import "testing"

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{Version: cursorVersion, TableIndex: 2, Offset: 150, SyncStartedAt: "2026-01-01T00:00:00Z"}
	encoded, err := EncodeCursor(c)
	if err != nil {
		t.Fatalf("EncodeCursor: %v", err)
	}
	decoded, err := DecodeCursor(encoded)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if decoded != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, c)
	}
}

func TestDecodeEmptyCursorIsStartOfSync(t *testing.T) {
	c, err := DecodeCursor("")
	if err != nil {
		t.Fatalf("DecodeCursor(\"\"): %v", err)
	}
	if c.TableIndex != 0 || c.Offset != 0 {
		t.Fatalf("expected zero-value cursor, got %+v", c)
	}
}

func TestDecodeCursorRejectsBadBase64(t *testing.T) {
	if _, err := DecodeCursor("not-valid-base64!!"); err == nil {
		t.Fatal("expected an error decoding invalid base64")
	}
}
