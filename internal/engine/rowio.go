package engine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oosync/oosync/internal/outbox"
	"github.com/oosync/oosync/internal/registry"
	"github.com/oosync/oosync/internal/workerclient"
)

// rowExists reports whether the row identified by item.RowID is still
// present locally — used to prune stale pending INSERT/UPDATE items at
// drain time (spec §3.2).
func rowExists(db *sql.DB, table registry.Table, rowID string) (bool, error) {
	pred, args, err := pkPredicate(table, rowID)
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRow(fmt.Sprintf("SELECT 1 FROM %s WHERE %s LIMIT 1", table.Name, pred), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("engine: check row existence in %s: %w", table.Name, err)
	}
	return true, nil
}

// buildChangeFromRow reads the current local row and converts it into a wire
// Change ready to push, applying the boolean and timestamp conventions of
// the wire protocol (spec §3.1, §6.1).
func buildChangeFromRow(db *sql.DB, reg *registry.Registry, table registry.Table, item outbox.Item) (workerclient.Change, error) {
	if item.Op == outbox.OpDelete {
		return workerclient.Change{
			Table:          table.Name,
			RowID:          item.RowID,
			Deleted:        true,
			LastModifiedAt: item.ChangedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Data:           rowIDToData(table, item.RowID),
		}, nil
	}

	pred, args, err := pkPredicate(table, item.RowID)
	if err != nil {
		return workerclient.Change{}, err
	}
	rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s WHERE %s LIMIT 1", table.Name, pred), args...)
	if err != nil {
		return workerclient.Change{}, fmt.Errorf("engine: read row from %s: %w", table.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return workerclient.Change{}, fmt.Errorf("engine: row %s/%s not found when building push change", table.Name, item.RowID)
	}
	raw, err := scanRowToMap(rows)
	if err != nil {
		return workerclient.Change{}, err
	}

	boolCols := map[string]bool{}
	for _, c := range table.BooleanColumns {
		boolCols[c] = true
	}

	data := make(map[string]any, len(raw))
	deleted := false
	for col, v := range raw {
		if boolCols[col] {
			v = intToBool(v)
		}
		if table.DeletedColumn != "" && col == table.DeletedColumn && intToBool(v) == true {
			deleted = true
		}
		data[reg.SnakeToCamel(col)] = v
	}

	lastModified := ""
	if v, ok := raw[table.LastModifiedColumn]; ok {
		lastModified = fmt.Sprintf("%v", v)
	}

	return workerclient.Change{
		Table:          table.Name,
		RowID:          item.RowID,
		Data:           data,
		Deleted:        deleted,
		LastModifiedAt: lastModified,
	}, nil
}

// pkPredicate builds a WHERE clause and bound args for a (possibly
// composite) primary key value encoded the way triggers.go's row_id
// expression encodes it.
func pkPredicate(table registry.Table, rowID string) (string, []any, error) {
	if len(table.PrimaryKey) == 1 {
		return table.PrimaryKey[0] + " = ?", []any{rowID}, nil
	}
	var key map[string]string
	if err := json.Unmarshal([]byte(rowID), &key); err != nil {
		return "", nil, fmt.Errorf("engine: decode composite row id %q: %w", rowID, err)
	}
	var clauses []string
	var args []any
	for _, col := range table.PrimaryKey {
		clauses = append(clauses, col+" = ?")
		args = append(args, key[col])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// rowIDToData recovers a best-effort data map (just the key columns) for a
// delete change whose row no longer exists locally to read from.
func rowIDToData(table registry.Table, rowID string) map[string]any {
	if len(table.PrimaryKey) == 1 {
		return map[string]any{table.PrimaryKey[0]: rowID}
	}
	var key map[string]string
	if err := json.Unmarshal([]byte(rowID), &key); err != nil {
		return nil
	}
	out := make(map[string]any, len(key))
	for k, v := range key {
		out[k] = v
	}
	return out
}

func scanRowToMap(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("engine: read columns: %w", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("engine: scan row: %w", err)
	}
	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = normalizeScanned(vals[i])
	}
	return out, nil
}

func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func intToBool(v any) any {
	switch n := v.(type) {
	case int64:
		return n != 0
	case int:
		return n != 0
	case bool:
		return n
	default:
		return v
	}
}
