// Package hostdb is the example host application schema: three syncable
// tables (accounts, notes, widgets) that parameterize and exercise the
// registry, push queue, and apply pipeline without the engine ever
// importing anything domain-specific. It is not a product surface — see
// the module's non-goals.
package hostdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/oosync/oosync/internal/outbox"
	"github.com/oosync/oosync/internal/registry"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id         TEXT PRIMARY KEY,
	account_id TEXT REFERENCES accounts(id),
	title      TEXT NOT NULL DEFAULT '',
	pinned     INTEGER NOT NULL DEFAULT 0,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS widgets (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	slug       TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	UNIQUE(owner_id, slug)
);
`

// Open opens (creating if absent) the embedded client database at dbPath,
// enables WAL + foreign keys, and ensures the host schema and sync
// bookkeeping tables (push_queue, sync_control) exist.
func Open(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("hostdb: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("hostdb: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("hostdb: %s: %w", pragma, err)
		}
	}
	db.Exec("PRAGMA synchronous=NORMAL")

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("hostdb: create schema: %w", err)
	}
	if err := outbox.InitControlSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := outbox.InitSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Tables returns the host schema's table metadata in dependency-rank order:
// accounts (rank 0, the flagged user-identity table per spec §9) before
// notes/widgets (rank 1), which both reference an owning account.
func Tables() []registry.Table {
	return []registry.Table{
		{
			Name:               "accounts",
			PrimaryKey:         []string{"id"},
			LastModifiedColumn: "updated_at",
			Rank:               0,
			IsUserIdentity:     true,
			Columns:            []string{"id", "email", "updated_at"},
		},
		{
			Name:               "notes",
			PrimaryKey:         []string{"id"},
			LastModifiedColumn: "updated_at",
			DeletedColumn:      "deleted",
			BooleanColumns:     []string{"pinned"},
			Rank:               1,
			Columns:            []string{"id", "account_id", "title", "pinned", "deleted", "updated_at"},
		},
		{
			Name:               "widgets",
			PrimaryKey:         []string{"id"},
			ConflictKeys:       []string{"owner_id", "slug"},
			LastModifiedColumn: "updated_at",
			Rank:               1,
			Columns:            []string{"id", "owner_id", "slug", "label", "updated_at"},
		},
	}
}

// RegisterAll registers the host schema with reg and installs push-queue
// triggers on each table against db, wiring the registry and the outbox
// together the way cmd/oosync's startup path does.
func RegisterAll(db *sql.DB, reg *registry.Registry) error {
	for _, t := range Tables() {
		reg.Register(t)
		if err := outbox.InstallTriggers(db, t); err != nil {
			return fmt.Errorf("hostdb: install triggers for %q: %w", t.Name, err)
		}
	}
	return nil
}
