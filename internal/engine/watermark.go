package engine

import (
	"database/sql"
	"fmt"
)

const watermarkSchemaDDL = `
CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT
);
`

// InitWatermarkSchema creates the KV table backing per-user watermarks.
func InitWatermarkSchema(db *sql.DB) error {
	if _, err := db.Exec(watermarkSchemaDDL); err != nil {
		return fmt.Errorf("engine: init sync_state schema: %w", err)
	}
	return nil
}

func watermarkKey(userID string) string {
	return "LAST_SYNC_TIMESTAMP_" + userID
}

// GetWatermark returns the persisted last-sync timestamp for userID, or ""
// if absent — an absent watermark means cold start (spec §3.4).
func GetWatermark(db *sql.DB, userID string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, watermarkKey(userID)).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("engine: read watermark: %w", err)
	}
	return v, nil
}

// SetWatermark persists the watermark. It should only be called after a full
// successful pull apply (failed == 0 across all pages).
func SetWatermark(db *sql.DB, userID, timestamp string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		watermarkKey(userID), timestamp)
	if err != nil {
		return fmt.Errorf("engine: set watermark: %w", err)
	}
	return nil
}

// ClearWatermark removes the persisted watermark, forcing the next sync to
// behave as a cold start.
func ClearWatermark(db *sql.DB, userID string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, watermarkKey(userID))
	if err != nil {
		return fmt.Errorf("engine: clear watermark: %w", err)
	}
	return nil
}
