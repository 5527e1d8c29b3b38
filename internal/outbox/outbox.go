// Package outbox implements the push queue (C2): a durable local table
// populated by per-row triggers (see triggers.go) and drained by the sync
// engine. The engine never writes pending rows itself — only triggers do;
// the engine only reads, transitions status, and backfills.
package outbox

import (
	"database/sql"
	"fmt"
	"time"
)

// Operation is one of the three row-level mutations a trigger can enqueue.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Status is the push-queue item's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one enqueued local mutation awaiting push to the edge.
type Item struct {
	ID        int64
	Table     string
	RowID     string // PK string value, or JSON object of composite PK columns
	Op        Operation
	Status    Status
	ChangedAt time.Time
	Attempts  int
	LastError string
	SyncedAt  *time.Time
	DeviceID  string
}

// Stats is a point-in-time count of push-queue rows by status, computed with
// COUNT aggregates — the queue's rows are never loaded into memory just to
// count them.
type Stats struct {
	Pending    int64
	InProgress int64
	Failed     int64
	Total      int64
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS push_queue (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name  TEXT NOT NULL,
	row_id      TEXT NOT NULL,
	op          TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	changed_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	synced_at   DATETIME,
	device_id   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_push_queue_status ON push_queue(status);
CREATE INDEX IF NOT EXISTS idx_push_queue_changed_at ON push_queue(changed_at);
CREATE INDEX IF NOT EXISTS idx_push_queue_table_row ON push_queue(table_name, row_id);
`

// InitSchema creates the push_queue table and its indexes if they don't
// already exist. Trigger installation is separate — see triggers.go — so a
// caller can (re)install triggers independently of the table's lifetime.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("init push_queue schema: %w", err)
	}
	return nil
}

// GetPending returns up to limit pending items ordered by changed_at ASC,
// preserving per-table write order (spec §3.2).
func GetPending(db *sql.DB, limit int) ([]Item, error) {
	rows, err := db.Query(`
		SELECT id, table_name, row_id, op, status, changed_at, attempts, last_error, synced_at, device_id
		FROM push_queue
		WHERE status = ?
		ORDER BY changed_at ASC, id ASC
		LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanItem(rows *sql.Rows) (Item, error) {
	var it Item
	var changedAt string
	var syncedAt sql.NullString
	if err := rows.Scan(&it.ID, &it.Table, &it.RowID, &it.Op, &it.Status, &changedAt, &it.Attempts, &it.LastError, &syncedAt, &it.DeviceID); err != nil {
		return Item{}, fmt.Errorf("scan push_queue row: %w", err)
	}
	ts, err := parseTimestamp(changedAt)
	if err != nil {
		return Item{}, fmt.Errorf("parse changed_at: %w", err)
	}
	it.ChangedAt = ts
	if syncedAt.Valid && syncedAt.String != "" {
		st, err := parseTimestamp(syncedAt.String)
		if err == nil {
			it.SyncedAt = &st
		}
	}
	return it, nil
}

// MarkInProgress transitions an item to in_progress, claiming it for a push
// attempt currently underway.
func MarkInProgress(db *sql.DB, id int64) error {
	_, err := db.Exec(`UPDATE push_queue SET status = ? WHERE id = ?`, StatusInProgress, id)
	if err != nil {
		return fmt.Errorf("mark in_progress id=%d: %w", id, err)
	}
	return nil
}

// MarkCompleted deletes the row — completed items are not retained, keeping
// the table small (spec §3.2).
func MarkCompleted(db *sql.DB, id int64) error {
	_, err := db.Exec(`DELETE FROM push_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark completed id=%d: %w", id, err)
	}
	return nil
}

// MarkFailed resets the item to pending with an incremented attempt count
// and a recorded error, ready for a later retry pass.
func MarkFailed(db *sql.DB, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.Exec(`UPDATE push_queue SET status = ?, attempts = attempts + 1, last_error = ? WHERE id = ?`,
		StatusPending, msg, id)
	if err != nil {
		return fmt.Errorf("mark failed id=%d: %w", id, err)
	}
	return nil
}

// MarkPermanentlyFailed sets status to failed — the item is retained (unlike
// MarkCompleted) but will not be drained again without an explicit Retry.
func MarkPermanentlyFailed(db *sql.DB, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := db.Exec(`UPDATE push_queue SET status = ?, last_error = ? WHERE id = ?`, StatusFailed, msg, id)
	if err != nil {
		return fmt.Errorf("mark permanently failed id=%d: %w", id, err)
	}
	return nil
}

// Retry clears the error and resets a failed item back to pending.
func Retry(db *sql.DB, id int64) error {
	_, err := db.Exec(`UPDATE push_queue SET status = ?, last_error = '' WHERE id = ?`, StatusPending, id)
	if err != nil {
		return fmt.Errorf("retry id=%d: %w", id, err)
	}
	return nil
}

// GetStats computes queue counts by status using COUNT aggregates.
func GetStats(db *sql.DB) (Stats, error) {
	var s Stats
	row := db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM push_queue`)
	if err := row.Scan(&s.Pending, &s.InProgress, &s.Failed, &s.Total); err != nil {
		return Stats{}, fmt.Errorf("push_queue stats: %w", err)
	}
	return s, nil
}

// ClearAll deletes every row in the push queue unconditionally.
func ClearAll(db *sql.DB) error {
	if _, err := db.Exec(`DELETE FROM push_queue`); err != nil {
		return fmt.Errorf("clear push_queue: %w", err)
	}
	return nil
}

// ClearOlderThan deletes failed rows older than the given age (completed
// rows are already gone, deleted by MarkCompleted). Pending and in_progress
// rows are never swept by age.
func ClearOlderThan(db *sql.DB, age time.Duration) error {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	_, err := db.Exec(`DELETE FROM push_queue WHERE status = ? AND changed_at < ?`, StatusFailed, cutoff)
	if err != nil {
		return fmt.Errorf("clear push_queue older than %s: %w", age, err)
	}
	return nil
}

// parseTimestamp tries the formats SQLite and this package actually produce.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
