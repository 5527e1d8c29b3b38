package edge

import (
	"fmt"
	"strings"
)

// PullRule is a closed, tagged-variant set of predicate builders (spec §6.3):
// each table's pull is scoped by exactly one rule, resolved against the
// authenticated user id and whatever per-request collection/genre context
// was supplied. Modeled as a Go sum type via a sealed interface rather than
// dynamic dispatch, per the spec's dynamic-dispatch→variant-tagging design
// note.
type PullRule interface {
	build(ctx RuleContext) (whereSQL string, args []any, err error)
}

// RuleContext carries everything a PullRule might need to resolve itself.
type RuleContext struct {
	UserID      string
	Collections map[string][]string // collection name -> resolved id set
}

// EqUserID scopes rows to owner_id = :userId (the common case).
type EqUserID struct {
	Column string
}

func (r EqUserID) build(ctx RuleContext) (string, []any, error) {
	return r.Column + " = ?", []any{ctx.UserID}, nil
}

// OrNullEqUserID scopes to rows owned by the user OR unowned (NULL owner) —
// e.g. rows created before ownership tracking existed.
type OrNullEqUserID struct {
	Column string
}

func (r OrNullEqUserID) build(ctx RuleContext) (string, []any, error) {
	return fmt.Sprintf("(%s = ? OR %s IS NULL)", r.Column, r.Column), []any{ctx.UserID}, nil
}

// InCollection scopes to rows whose key column value is a member of a named,
// per-request collection (collectionsOverride/genreFilter, spec §6.1).
type InCollection struct {
	Column     string
	Collection string
}

func (r InCollection) build(ctx RuleContext) (string, []any, error) {
	ids, ok := ctx.Collections[r.Collection]
	if !ok || len(ids) == 0 {
		return "1 = 0", nil, nil // no selection supplied: match nothing, not everything
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return fmt.Sprintf("%s IN (%s)", r.Column, strings.Join(placeholders, ", ")), args, nil
}

// PublicOnly scopes to rows whose Column is NULL (e.g. rows with no owner,
// visible to everyone), ignoring the requesting user entirely.
type PublicOnly struct {
	Column string
}

func (r PublicOnly) build(ctx RuleContext) (string, []any, error) {
	return r.Column + " IS NULL", nil, nil
}

// OrEqUserIDOrTrue scopes to rows the user owns OR rows flagged always
// visible (e.g. system defaults every user should see).
type OrEqUserIDOrTrue struct {
	UserIDColumn string
	TrueColumn   string
}

func (r OrEqUserIDOrTrue) build(ctx RuleContext) (string, []any, error) {
	return fmt.Sprintf("(%s = ? OR %s = true)", r.UserIDColumn, r.TrueColumn), []any{ctx.UserID}, nil
}

// Compound combines several rules with AND or OR.
type Compound struct {
	Op    string // "AND" or "OR"
	Rules []PullRule
}

func (r Compound) build(ctx RuleContext) (string, []any, error) {
	var clauses []string
	var args []any
	for _, sub := range r.Rules {
		clause, subArgs, err := sub.build(ctx)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "("+clause+")")
		args = append(args, subArgs...)
	}
	op := " AND "
	if strings.EqualFold(r.Op, "OR") {
		op = " OR "
	}
	return strings.Join(clauses, op), args, nil
}

// RPC delegates to a named, registered predicate function rather than a
// static column rule — an escape hatch for a table whose visibility logic
// can't be expressed as a simple predicate (e.g. "visible to anyone who
// shares a project with the owner").
type RPC struct {
	Name string
	Fn   func(ctx RuleContext) (string, []any, error)
}

func (r RPC) build(ctx RuleContext) (string, []any, error) {
	if r.Fn == nil {
		return "", nil, fmt.Errorf("edge: pull rule rpc %q has no registered function", r.Name)
	}
	return r.Fn(ctx)
}

// BuildWhere resolves a PullRule into a SQL WHERE fragment (without the
// leading "WHERE") and its bound arguments. The fragment uses "?"
// placeholders; use rebindPostgres to renumber them for pgx.
func BuildWhere(rule PullRule, ctx RuleContext) (string, []any, error) {
	if rule == nil {
		return "1 = 1", nil, nil
	}
	return rule.build(ctx)
}

// rebindPostgres rewrites sequential "?" placeholders into Postgres's
// "$1, $2, ..." style starting at startAt+1, since PullRule fragments are
// built driver-agnostically but every edge query runs over pgx.
func rebindPostgres(sql string, startAt int) string {
	var b strings.Builder
	n := startAt
	for _, r := range sql {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
