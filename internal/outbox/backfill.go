package outbox

import (
	"database/sql"
	"fmt"

	"github.com/oosync/oosync/internal/registry"
)

// BackfillSince scans the tables touched during a trigger-suppression window
// and enqueues any row whose last-modified timestamp is newer than since but
// that has no corresponding pending/in_progress push_queue entry.
//
// This exists because the apply pipeline suppresses triggers for the
// duration of a remote-apply batch (so its own writes don't loop back into
// the outbox), but the host application can still write to the same tables
// concurrently on a single-threaded cooperative runtime between awaits —
// those writes land with triggers off and would otherwise be silently lost.
// BackfillSince is the restore-time reconciliation pass that recovers them,
// treating UPDATE as the always-safe operation since the row is already
// present (an INSERT vs UPDATE distinction doesn't matter to the edge's
// upsert-by-conflict-key handling).
func BackfillSince(db *sql.DB, reg *registry.Registry, since string, tableAllowlist []string, deviceID string) (int, error) {
	if since == "" {
		return 0, nil
	}

	allow := make(map[string]bool, len(tableAllowlist))
	for _, t := range tableAllowlist {
		allow[t] = true
	}

	enqueued := 0
	for _, table := range reg.Tables() {
		if len(tableAllowlist) > 0 && !allow[table.Name] {
			continue
		}
		if !table.SupportsIncremental() {
			continue
		}
		n, err := backfillTable(db, table, since, deviceID)
		if err != nil {
			return enqueued, fmt.Errorf("backfill table %q: %w", table.Name, err)
		}
		enqueued += n
	}
	return enqueued, nil
}

func backfillTable(db *sql.DB, t registry.Table, since, deviceID string) (int, error) {
	pkExpr := singleOrJSONColumn(t.PrimaryKey)
	query := fmt.Sprintf(`
		SELECT %s AS row_id
		FROM %s
		WHERE %s > ?
		AND NOT EXISTS (
			SELECT 1 FROM push_queue
			WHERE push_queue.table_name = ?
			AND push_queue.row_id = %s
			AND push_queue.status IN ('pending', 'in_progress')
		)`, pkExpr, t.Name, t.LastModifiedColumn, pkExpr)

	rows, err := db.Query(query, since, t.Name)
	if err != nil {
		return 0, fmt.Errorf("scan for orphaned writes: %w", err)
	}
	defer rows.Close()

	var rowIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan row_id: %w", err)
		}
		rowIDs = append(rowIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	count := 0
	for _, id := range rowIDs {
		_, err := db.Exec(`
			INSERT INTO push_queue (table_name, row_id, op, status, changed_at, device_id)
			VALUES (?, ?, 'UPDATE', 'pending', CURRENT_TIMESTAMP, ?)`,
			t.Name, id, deviceID)
		if err != nil {
			return count, fmt.Errorf("enqueue backfilled row: %w", err)
		}
		count++
	}
	return count, nil
}

// singleOrJSONColumn mirrors rowIDExpression's encoding for a plain SELECT
// (no NEW/OLD alias — just the bare table).
func singleOrJSONColumn(pk []string) string {
	if len(pk) == 1 {
		return pk[0]
	}
	expr := "json_object("
	for i, col := range pk {
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("'%s', %s", col, col)
	}
	expr += ")"
	return expr
}
