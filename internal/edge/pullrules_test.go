package edge

import (
	"testing"
)

func TestEqUserIDBuildsSimplePredicate(t *testing.T) {
	sql, args, err := BuildWhere(EqUserID{Column: "owner_id"}, RuleContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if sql != "owner_id = ?" {
		t.Fatalf("sql = %q", sql)
	}
	if len(args) != 1 || args[0] != "u1" {
		t.Fatalf("args = %v", args)
	}
}

func TestInCollectionEmptySelectionMatchesNothing(t *testing.T) {
	sql, args, err := BuildWhere(InCollection{Column: "genre_id", Collection: "genres"}, RuleContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if sql != "1 = 0" {
		t.Fatalf("sql = %q, want the empty-selection guard", sql)
	}
	if len(args) != 0 {
		t.Fatalf("args = %v, want none", args)
	}
}

func TestInCollectionWithIDsBuildsINClause(t *testing.T) {
	ctx := RuleContext{UserID: "u1", Collections: map[string][]string{"genres": {"g1", "g2"}}}
	sql, args, err := BuildWhere(InCollection{Column: "genre_id", Collection: "genres"}, ctx)
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if sql != "genre_id IN (?, ?)" {
		t.Fatalf("sql = %q", sql)
	}
	if len(args) != 2 || args[0] != "g1" || args[1] != "g2" {
		t.Fatalf("args = %v", args)
	}
}

func TestCompoundOrCombinesSubRules(t *testing.T) {
	rule := Compound{Op: "OR", Rules: []PullRule{
		EqUserID{Column: "owner_id"},
		PublicOnly{Column: "is_public"},
	}}
	sql, args, err := BuildWhere(rule, RuleContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if sql != "(owner_id = ?) OR (is_public IS NULL)" {
		t.Fatalf("sql = %q", sql)
	}
	if len(args) != 1 || args[0] != "u1" {
		t.Fatalf("args = %v", args)
	}
}

func TestRPCWithoutRegisteredFunctionErrors(t *testing.T) {
	_, _, err := BuildWhere(RPC{Name: "shares_project"}, RuleContext{UserID: "u1"})
	if err == nil {
		t.Fatal("expected error for an rpc rule with no Fn registered")
	}
}

func TestRebindPostgresRenumbersPlaceholders(t *testing.T) {
	got := rebindPostgres("a = ? AND b = ?", 0)
	want := "a = $1 AND b = $2"
	if got != want {
		t.Fatalf("rebindPostgres = %q, want %q", got, want)
	}
}

func TestRebindPostgresContinuesFromStartIndex(t *testing.T) {
	got := rebindPostgres("a = ?", 2)
	want := "a = $3"
	if got != want {
		t.Fatalf("rebindPostgres = %q, want %q", got, want)
	}
}

func TestNilPullRuleMatchesEverything(t *testing.T) {
	sql, args, err := BuildWhere(nil, RuleContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("BuildWhere: %v", err)
	}
	if sql != "1 = 1" || len(args) != 0 {
		t.Fatalf("sql = %q args = %v", sql, args)
	}
}
