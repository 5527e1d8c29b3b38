package outbox

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/oosync/oosync/internal/registry"
)

// InstallTriggers creates the three AFTER triggers (insert/update/delete)
// that populate push_queue for one syncable table. This is the one place
// this package does not simply generalize a teacher pattern: the host
// application's own action log is written to by application code, but the
// push queue here must be triggered by raw row mutation regardless of which
// code path produced it (direct SQL, a third-party import tool, a future ORM)
// — so the queue is populated by genuine SQLite triggers.
//
// The row_id column holds either the bare primary-key value (single-column
// key) or a JSON object of {column: value} for composite keys, so that
// apply-side code can recover the key without re-querying the registry.
func InstallTriggers(db *sql.DB, t registry.Table) error {
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("outbox: table %q has no primary key, cannot install triggers", t.Name)
	}

	rowIDExpr := rowIDExpression(t.PrimaryKey, "NEW")
	rowIDExprOld := rowIDExpression(t.PrimaryKey, "OLD")

	stmts := []string{
		dropTriggerSQL(t.Name, "ai"),
		dropTriggerSQL(t.Name, "au"),
		dropTriggerSQL(t.Name, "ad"),
		fmt.Sprintf(`
CREATE TRIGGER %s
AFTER INSERT ON %s
WHEN (SELECT value FROM sync_control WHERE key = 'triggers_suppressed') IS NULL
BEGIN
	INSERT INTO push_queue (table_name, row_id, op, status, changed_at)
	VALUES ('%s', %s, 'INSERT', 'pending', CURRENT_TIMESTAMP);
END;`, triggerName(t.Name, "ai"), t.Name, t.Name, rowIDExpr),
		fmt.Sprintf(`
CREATE TRIGGER %s
AFTER UPDATE ON %s
WHEN (SELECT value FROM sync_control WHERE key = 'triggers_suppressed') IS NULL
BEGIN
	INSERT INTO push_queue (table_name, row_id, op, status, changed_at)
	VALUES ('%s', %s, 'UPDATE', 'pending', CURRENT_TIMESTAMP);
END;`, triggerName(t.Name, "au"), t.Name, t.Name, rowIDExpr),
		fmt.Sprintf(`
CREATE TRIGGER %s
AFTER DELETE ON %s
WHEN (SELECT value FROM sync_control WHERE key = 'triggers_suppressed') IS NULL
BEGIN
	INSERT INTO push_queue (table_name, row_id, op, status, changed_at)
	VALUES ('%s', %s, 'DELETE', 'pending', CURRENT_TIMESTAMP);
END;`, triggerName(t.Name, "ad"), t.Name, t.Name, rowIDExprOld),
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("outbox: install trigger for %q: %w", t.Name, err)
		}
	}
	return nil
}

// UninstallTriggers drops a table's three triggers, e.g. during a bulk
// import that should not enqueue pushes.
func UninstallTriggers(db *sql.DB, tableName string) error {
	for _, suffix := range []string{"ai", "au", "ad"} {
		if _, err := db.Exec(dropTriggerSQL(tableName, suffix)); err != nil {
			return fmt.Errorf("outbox: drop trigger for %q: %w", tableName, err)
		}
	}
	return nil
}

func triggerName(table, suffix string) string {
	return fmt.Sprintf("oosync_%s_%s", table, suffix)
}

func dropTriggerSQL(table, suffix string) string {
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s;", triggerName(table, suffix))
}

// rowIDExpression builds the SQL expression that computes row_id from the
// given row-reference alias (NEW or OLD): the bare key column for a simple
// primary key, or a json_object(...) call for a composite one.
func rowIDExpression(pk []string, alias string) string {
	if len(pk) == 1 {
		return fmt.Sprintf("CAST(%s.%s AS TEXT)", alias, pk[0])
	}
	parts := make([]string, 0, len(pk)*2)
	for _, col := range pk {
		parts = append(parts, fmt.Sprintf("'%s'", col), fmt.Sprintf("%s.%s", alias, col))
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(parts, ", "))
}

// sync_control is a one-row-per-key KV table read by every trigger's WHEN
// clause. SuppressTriggers/RestoreTriggers toggle the single
// triggers_suppressed key so the apply pipeline's own writes don't re-enter
// the push queue (spec §4.4's trigger-suppression requirement).
const controlSchemaDDL = `
CREATE TABLE IF NOT EXISTS sync_control (
	key   TEXT PRIMARY KEY,
	value TEXT
);
`

// InitControlSchema creates the sync_control table used by trigger WHEN
// clauses. Must run before InstallTriggers.
func InitControlSchema(db *sql.DB) error {
	if _, err := db.Exec(controlSchemaDDL); err != nil {
		return fmt.Errorf("outbox: init sync_control schema: %w", err)
	}
	return nil
}

// SuppressTriggers marks triggers suppressed so that the apply pipeline's own
// writes to syncable tables do not enqueue push_queue rows, preventing the
// feedback loop the spec calls out in its no-feedback-loop invariant.
func SuppressTriggers(db *sql.DB) error {
	_, err := db.Exec(`INSERT INTO sync_control (key, value) VALUES ('triggers_suppressed', CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("outbox: suppress triggers: %w", err)
	}
	return nil
}

// SuppressedAt returns the timestamp triggers were suppressed at, or "" if
// triggers are not currently suppressed.
func SuppressedAt(db *sql.DB) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_control WHERE key = 'triggers_suppressed'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("outbox: read suppression state: %w", err)
	}
	return v, nil
}

// RestoreTriggers clears the suppression flag, re-enabling normal trigger
// firing on subsequent writes.
func RestoreTriggers(db *sql.DB) error {
	if _, err := db.Exec(`DELETE FROM sync_control WHERE key = 'triggers_suppressed'`); err != nil {
		return fmt.Errorf("outbox: restore triggers: %w", err)
	}
	return nil
}
