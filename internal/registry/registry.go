// Package registry is the schema registry (C1): per-table metadata describing
// how a syncable table's rows map onto the wire protocol and onto each side's
// storage conventions. It is pure data plus derived, memoized lookups — no
// database handle, no I/O.
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// Table describes one syncable table's shape to the rest of the engine.
type Table struct {
	// Name is the table's canonical (snake_case) name, as it appears in both
	// the local SQLite schema and the authoritative Postgres schema.
	Name string

	// PrimaryKey lists the primary-key columns, in order. A single-element
	// slice denotes a simple key; more than one denotes a composite key.
	PrimaryKey []string

	// ConflictKeys lists the natural-unique-key columns used as the upsert
	// conflict target when it differs from PrimaryKey (e.g. a synthetic id
	// plus a natural (owner_id, slug) unique index). Empty means "use
	// PrimaryKey" — see ConflictKeys().
	ConflictKeys []string

	// TimestampColumns lists columns holding ISO-8601 timestamps.
	TimestampColumns []string

	// BooleanColumns lists columns that are integer 0/1 locally and bool on
	// the authoritative side.
	BooleanColumns []string

	// LastModifiedColumn is the monotonically non-decreasing write-timestamp
	// column. Empty means the table cannot support incremental sync.
	LastModifiedColumn string

	// DeletedColumn is the soft-delete flag column, or "" if the table only
	// supports physical deletes.
	DeletedColumn string

	// Rank is the table's topological position: lower ranks are applied
	// first for non-delete operations (parents before children) and last for
	// deletes (children before parents).
	Rank int

	// IsUserIdentity flags the sole table (per §9 of the design) for which
	// composite-key reconciliation must adopt the server-provided id rather
	// than preserving the local synthetic id. At most one table should carry
	// this flag.
	IsUserIdentity bool

	// OmitFromSet lists columns excluded from the upsert SET clause even on
	// the primary-key conflict path (not just the composite fallback) —
	// e.g. columns the edge computes server-side (server_seq, created_at).
	OmitFromSet []string

	// Columns is the authoritative allowlist of column names this table
	// accepts. A push payload's keys are filtered against this set before
	// any SQL is built from them: column names are spliced into the
	// generated statement as bare identifiers (no placeholder can protect
	// an identifier position), so an unrecognized key must be dropped
	// rather than trusted.
	Columns []string
}

// AllowedColumns returns this table's column allowlist as a set.
func (t Table) AllowedColumns() map[string]bool {
	out := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		out[c] = true
	}
	return out
}

// HasCompositeConflictKey reports whether this table has a natural unique key
// distinct from its primary key, i.e. a composite-reconciliation candidate.
func (t Table) HasCompositeConflictKey() bool {
	if len(t.ConflictKeys) == 0 {
		return false
	}
	if len(t.ConflictKeys) != len(t.PrimaryKey) {
		return true
	}
	for i, c := range t.ConflictKeys {
		if c != t.PrimaryKey[i] {
			return true
		}
	}
	return false
}

// SupportsIncremental reports whether the table can participate in
// incremental (delta) sync, which requires a last-modified-at column.
func (t Table) SupportsIncremental() bool {
	return t.LastModifiedColumn != ""
}

// Registry is the read side of the schema registry: a fixed set of Tables
// plus memoized snake↔camel conversions. Safe for concurrent reads; Register
// is expected to run once at startup before any concurrent access.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]Table
	order  []string // registration order, stable for iteration

	snakeToCamel sync.Map // string -> string
	camelToSnake sync.Map // string -> string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tables: make(map[string]Table)}
}

// Register adds or replaces a table's metadata.
func (r *Registry) Register(t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tables[t.Name] = t
}

// Table returns the metadata for a table, or false if it isn't registered.
func (r *Registry) Table(name string) (Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns all registered tables in registration order.
func (r *Registry) Tables() []Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Table, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}

// TableNames returns the registered table names in registration order.
func (r *Registry) TableNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// PrimaryKey returns the primary-key columns for table, or nil if unknown.
func (r *Registry) PrimaryKey(table string) []string {
	t, ok := r.Table(table)
	if !ok {
		return nil
	}
	return t.PrimaryKey
}

// ConflictKeys returns the conflict-key columns for table, falling back to
// the primary key when no natural unique key is registered.
func (r *Registry) ConflictKeys(table string) []string {
	t, ok := r.Table(table)
	if !ok {
		return nil
	}
	if len(t.ConflictKeys) > 0 {
		return t.ConflictKeys
	}
	return t.PrimaryKey
}

// BooleanColumns returns the boolean columns for table.
func (r *Registry) BooleanColumns(table string) []string {
	t, _ := r.Table(table)
	return t.BooleanColumns
}

// TimestampColumns returns the timestamp columns for table.
func (r *Registry) TimestampColumns(table string) []string {
	t, _ := r.Table(table)
	return t.TimestampColumns
}

// HasDeletedFlag reports whether table supports soft-delete.
func (r *Registry) HasDeletedFlag(table string) bool {
	t, _ := r.Table(table)
	return t.DeletedColumn != ""
}

// SupportsIncremental reports whether table can participate in incremental
// sync (requires a last-modified-at column).
func (r *Registry) SupportsIncremental(table string) bool {
	t, ok := r.Table(table)
	return ok && t.SupportsIncremental()
}

// Rank returns table's dependency rank, or -1 if the table is unregistered.
func (r *Registry) Rank(table string) int {
	t, ok := r.Table(table)
	if !ok {
		return -1
	}
	return t.Rank
}

// RankOrderedTables returns registered table names sorted ascending by rank
// (parents first), with registration order as a stable tie-break.
func (r *Registry) RankOrderedTables() []string {
	tables := r.Tables()
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	sortByRank(names, r, false)
	return names
}

func sortByRank(names []string, r *Registry, descending bool) {
	less := func(i, j int) bool { return r.Rank(names[i]) < r.Rank(names[j]) }
	if descending {
		less = func(i, j int) bool { return r.Rank(names[i]) > r.Rank(names[j]) }
	}
	// insertion sort: table counts are small (dozens at most) and stability
	// matters more than asymptotic performance here.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
}

// SnakeToCamel converts a snake_case column name to camelCase, memoized.
func (r *Registry) SnakeToCamel(column string) string {
	if v, ok := r.snakeToCamel.Load(column); ok {
		return v.(string)
	}
	parts := strings.Split(column, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	camel := b.String()
	r.snakeToCamel.Store(column, camel)
	r.camelToSnake.Store(camel, column)
	return camel
}

// CamelToSnake converts a camelCase property name to snake_case, memoized.
func (r *Registry) CamelToSnake(property string) string {
	if v, ok := r.camelToSnake.Load(property); ok {
		return v.(string)
	}
	var b strings.Builder
	for i, c := range property {
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(c - 'A' + 'a')
			continue
		}
		b.WriteRune(c)
	}
	snake := b.String()
	r.camelToSnake.Store(property, snake)
	r.snakeToCamel.Store(snake, property)
	return snake
}

// Validate checks internal consistency (every table has a non-empty primary
// key, and at most one table is flagged IsUserIdentity) and returns a
// descriptive error for the first problem found. Names and ranks are not
// checked. Intended to run once at
// startup, not on the hot path.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identityCount := 0
	for _, name := range r.order {
		t := r.tables[name]
		if len(t.PrimaryKey) == 0 {
			return fmt.Errorf("registry: table %q has no primary key", name)
		}
		if t.IsUserIdentity {
			identityCount++
		}
	}
	if identityCount > 1 {
		return fmt.Errorf("registry: %d tables flagged IsUserIdentity, want at most 1", identityCount)
	}
	return nil
}
