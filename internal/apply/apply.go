// Package apply is the apply-remote pipeline (C4): takes one page of pulled
// changes and writes them into the local database in dependency-safe order,
// under trigger suppression, reconciling composite-unique-key collisions and
// deferring foreign-key violations for a later pass rather than failing
// outright.
package apply

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/oosync/oosync/internal/outbox"
	"github.com/oosync/oosync/internal/registry"
	"github.com/oosync/oosync/internal/workerclient"
)

// errMissingDeleteKey marks a DELETE payload with no usable primary/conflict
// key — skipped rather than failed (spec §4.4 step 3 / §8.3): there is no
// key to retry against, and failing it would block the watermark.
var errMissingDeleteKey = errors.New("apply: delete payload missing primary key")

// Result summarizes one ApplyPage call.
type Result struct {
	Applied        int
	Failed         int
	Errors         []string
	AffectedTables []string
	Deferred       []workerclient.Change
}

// ApplyPage applies one page of pulled changes. Callers (the sync engine, C5)
// own the bounded deferred-retry loop: a non-empty Result.Deferred means some
// changes hit a foreign-key violation and should be retried, up to 3 passes,
// not treated as a failure on the first pass.
func ApplyPage(db *sql.DB, reg *registry.Registry, changes []workerclient.Change, myDeviceID string) (Result, error) {
	ordered := orderForApply(changes, reg)

	if err := outbox.SuppressTriggers(db); err != nil {
		return Result{}, fmt.Errorf("apply: suppress triggers: %w", err)
	}
	suppressedAt, err := outbox.SuppressedAt(db)
	if err != nil {
		return Result{}, fmt.Errorf("apply: read suppression timestamp: %w", err)
	}

	result := Result{}
	affected := map[string]bool{}
	var deferred []workerclient.Change

	for _, ch := range ordered {
		table, ok := reg.Table(ch.Table)
		if !ok {
			// schema-missing: unknown table, logged+skipped, never fails the batch.
			slog.Warn("apply: unknown table, skipping change", "table", ch.Table, "rowId", ch.RowID)
			continue
		}

		var applyErr error
		if ch.Deleted {
			applyErr = applyDelete(db, table, ch)
		} else {
			applyErr = applyUpsert(db, table, ch)
		}

		if applyErr == nil {
			result.Applied++
			affected[table.Name] = true
			continue
		}
		if isForeignKeyViolation(applyErr) {
			deferred = append(deferred, ch)
			continue
		}
		if errors.Is(applyErr, errMissingDeleteKey) {
			// unkeyed delete: logged+skipped, never fails the batch or
			// blocks the watermark — there's nothing to retry it against.
			slog.Warn("apply: delete payload has no primary key, skipping", "table", ch.Table, "rowId", ch.RowID)
			continue
		}
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("table=%s rowId=%s: %v", ch.Table, ch.RowID, applyErr))
	}

	if err := outbox.RestoreTriggers(db); err != nil {
		return result, fmt.Errorf("apply: restore triggers: %w", err)
	}

	affectedTables := make([]string, 0, len(affected))
	for t := range affected {
		affectedTables = append(affectedTables, t)
	}
	sort.Strings(affectedTables)
	result.AffectedTables = affectedTables
	result.Deferred = deferred

	if suppressedAt != "" {
		if _, err := outbox.BackfillSince(db, reg, suppressedAt, affectedTables, myDeviceID); err != nil {
			return result, fmt.Errorf("apply: backfill after restore: %w", err)
		}
	}

	return result, nil
}

// orderForApply sorts non-delete changes ascending by rank (parents first)
// and delete changes descending by rank (children first), with all
// non-deletes applied before any delete when the page mixes both — so a row
// is never deleted before a row that still references it has been written.
func orderForApply(changes []workerclient.Change, reg *registry.Registry) []workerclient.Change {
	var nonDeletes, deletes []workerclient.Change
	for _, ch := range changes {
		if ch.Deleted {
			deletes = append(deletes, ch)
		} else {
			nonDeletes = append(nonDeletes, ch)
		}
	}
	sort.SliceStable(nonDeletes, func(i, j int) bool {
		return reg.Rank(nonDeletes[i].Table) < reg.Rank(nonDeletes[j].Table)
	})
	sort.SliceStable(deletes, func(i, j int) bool {
		return reg.Rank(deletes[i].Table) > reg.Rank(deletes[j].Table)
	})
	out := make([]workerclient.Change, 0, len(changes))
	out = append(out, nonDeletes...)
	out = append(out, deletes...)
	return out
}

// applyUpsert writes one non-delete change, first attempting the row's
// primary-key conflict target and falling back to the table's natural
// conflict key (if any) on a unique-constraint collision — the composite-key
// reconciliation path of spec §4.4/§9.
func applyUpsert(db *sql.DB, table registry.Table, ch workerclient.Change) error {
	row := normalizeRow(table, ch.Data)
	if err := upsertOn(db, table, row, table.PrimaryKey, table.OmitFromSet); err == nil {
		return nil
	} else if !isUniqueViolation(err) || !table.HasCompositeConflictKey() {
		return err
	}

	// Fallback: target the natural conflict key instead, omitting the
	// synthetic primary key from the SET clause (so the already-present
	// local row keeps its own id) unless this is the flagged user-identity
	// table, whose server-assigned id must win.
	omit := append([]string{}, table.OmitFromSet...)
	if !table.IsUserIdentity {
		omit = append(omit, table.PrimaryKey...)
	}
	return upsertOn(db, table, row, table.ConflictKeys, omit)
}

func upsertOn(db *sql.DB, table registry.Table, row map[string]any, conflictTarget, omitFromSet []string) error {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns) // deterministic statement shape, easier to reason about/test

	omit := map[string]bool{}
	for _, c := range omitFromSet {
		omit[c] = true
	}

	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		placeholders[i] = "?"
		args[i] = row[col]
	}

	var setClauses []string
	for _, col := range columns {
		if omit[col] || containsString(conflictTarget, col) {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table.Name,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictTarget, ", "),
		setClauseOrNoop(setClauses),
	)

	_, err := db.Exec(stmt, args...)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table.Name, err)
	}
	return nil
}

// setClauseOrNoop avoids generating invalid SQL when every column is either
// the conflict key or omitted from SET (e.g. a pure-identity upsert).
func setClauseOrNoop(clauses []string) string {
	if len(clauses) == 0 {
		return "id = id" // guaranteed-present no-op; every registered table has a PK
	}
	return strings.Join(clauses, ", ")
}

// applyDelete removes one row: a soft delete (flag + timestamp) if the table
// supports it, otherwise a hard delete. Deletes target the primary key when
// present in the payload, falling back to the conflict key.
func applyDelete(db *sql.DB, table registry.Table, ch workerclient.Change) error {
	key, val, err := deleteKey(table, ch)
	if err != nil {
		return err
	}

	if table.DeletedColumn != "" {
		stmt := fmt.Sprintf("UPDATE %s SET %s = 1, %s = ? WHERE %s = ?", table.Name, table.DeletedColumn, table.LastModifiedColumn, key)
		_, err := db.Exec(stmt, ch.LastModifiedAt, val)
		if err != nil {
			return fmt.Errorf("soft delete %s: %w", table.Name, err)
		}
		return nil
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table.Name, key)
	if _, err := db.Exec(stmt, val); err != nil {
		return fmt.Errorf("delete %s: %w", table.Name, err)
	}
	return nil
}

func deleteKey(table registry.Table, ch workerclient.Change) (column string, value any, err error) {
	if len(table.PrimaryKey) == 1 {
		if v, ok := ch.Data[table.PrimaryKey[0]]; ok {
			return table.PrimaryKey[0], v, nil
		}
		if ch.RowID != "" {
			return table.PrimaryKey[0], ch.RowID, nil
		}
	}
	if len(table.ConflictKeys) == 1 {
		if v, ok := ch.Data[table.ConflictKeys[0]]; ok {
			return table.ConflictKeys[0], v, nil
		}
	}
	return "", nil, fmt.Errorf("delete %s: no primary key present in payload for rowId=%s: %w", table.Name, ch.RowID, errMissingDeleteKey)
}

// normalizeRow maps boolean wire values to 0/1 for the embedded sqlite
// database; every other key is copied through unchanged.
func normalizeRow(table registry.Table, data map[string]any) map[string]any {
	boolCols := map[string]bool{}
	for _, c := range table.BooleanColumns {
		boolCols[c] = true
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if boolCols[k] {
			out[k] = boolToInt(v)
			continue
		}
		out[k] = v
	}
	return out
}

func boolToInt(v any) any {
	switch b := v.(type) {
	case bool:
		if b {
			return 1
		}
		return 0
	case float64:
		return int(b)
	case string:
		if b == "true" {
			return 1
		}
		if b == "false" {
			return 0
		}
		if n, err := strconv.Atoi(b); err == nil {
			return n
		}
	}
	return v
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// isUniqueViolation and isForeignKeyViolation recognize modernc.org/sqlite's
// error text (the driver does not export a typed error code the way pgx
// does, so matching the SQLite error strings it actually returns is the
// portable option here).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
