package edge

// CollectionConfig describes one named collection: the set of ids a user
// owns in some table, referenced by other tables' pull filters via
// inCollection (spec §6.3).
type CollectionConfig struct {
	Table       string
	IDColumn    string
	OwnerColumn string
}

// TableRule is a table's push/pull configuration — configured, not
// hardcoded (spec §4.8).
type TableRule struct {
	Table string

	// Pull scopes which rows of this table a user may pull. Nil falls back
	// to fallbackPullRule's heuristic.
	Pull PullRule

	// DenyDelete refuses DELETE pushes for append-only tables: the push
	// still reports success at the protocol level, the row survives, and a
	// warning is logged.
	DenyDelete bool

	// OmitSetProps lists columns the push upsert never overwrites, beyond
	// whatever the registry's own Table.OmitFromSet already excludes.
	OmitSetProps []string

	// RetryKeepProps, when non-empty, is the minimal payload key list a
	// failed push statement is retried with once, stripped of everything
	// else — the "retry minimal payload keep list" (spec §4.8).
	RetryKeepProps []string
}

// TableRules is the full per-table push/pull configuration for one edge
// deployment, keyed by table name.
type TableRules map[string]TableRule

func (rules TableRules) forTable(name string) TableRule {
	if r, ok := rules[name]; ok {
		return r
	}
	return TableRule{Table: name}
}

// fallbackPullRule is applied when a table has no configured Pull rule: a
// heuristic guess on the conventional ownership column name (spec §4.8, "a
// table with no configured rule falls back to heuristic filters on
// conventional column names"). Tables whose ownership column isn't
// "owner_id" need an explicit TableRule.Pull.
func fallbackPullRule() PullRule {
	return EqUserID{Column: "owner_id"}
}
