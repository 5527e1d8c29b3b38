// Package syncharness drives two or more embedded host databases through
// the real sync stack — outbox triggers, internal/apply, internal/engine,
// internal/workerclient — against one real edge.Server backed by Postgres,
// the same way internal/edge's own handler tests do. It deliberately does
// not reimplement push/pull: every Sync call goes through the production
// Engine, so a convergence bug here is a convergence bug in the shipped
// binaries too.
package syncharness

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oosync/oosync/internal/edge"
	"github.com/oosync/oosync/internal/engine"
	"github.com/oosync/oosync/internal/hostdb"
	"github.com/oosync/oosync/internal/registry"
	"github.com/oosync/oosync/internal/workerclient"
)

const jwtSecret = "syncharness-shared-secret"

// hostSchemaPG mirrors hostdb's sqlite schema on the Postgres side, plus the
// change-log table handler.go's incremental pull watches.
const hostSchemaPG = `
DROP TABLE IF EXISTS notes, widgets, accounts, oosync_change_log;

CREATE TABLE accounts (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE notes (
	id         TEXT PRIMARY KEY,
	account_id TEXT REFERENCES accounts(id),
	title      TEXT NOT NULL DEFAULT '',
	pinned     BOOLEAN NOT NULL DEFAULT false,
	deleted    BOOLEAN NOT NULL DEFAULT false,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE widgets (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	slug       TEXT NOT NULL,
	label      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(owner_id, slug)
);

CREATE TABLE oosync_change_log (
	table_name TEXT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
);
`

// tableRules matches cmd/oosync-edge's wiring: a user's own account row,
// their notes and their widgets.
func tableRules() edge.TableRules {
	return edge.TableRules{
		"accounts": {Table: "accounts", Pull: edge.EqUserID{Column: "id"}},
		"notes":    {Table: "notes", Pull: edge.EqUserID{Column: "account_id"}},
		"widgets":  {Table: "widgets", Pull: edge.EqUserID{Column: "owner_id"}},
	}
}

// Client is one simulated device: its own embedded SQLite database and a
// real Engine pointed at the harness's edge server over real HTTP.
type Client struct {
	ID       string
	DeviceID string
	DB       *sql.DB
	Engine   *engine.Engine
}

// Harness wires numClients Clients, all belonging to the same user, against
// one edge.Server backed by a real Postgres database reached via
// TEST_DATABASE_URL. Tests that need it call NewHarness(t, ...) and skip
// automatically when that env var is unset, mirroring internal/edge's own
// Postgres-backed test style.
type Harness struct {
	t          *testing.T
	UserID     string
	Pool       *pgxpool.Pool
	httpServer *httptest.Server
	Clients    map[string]*Client
}

// NewHarness creates a harness for userID with the given device IDs, each
// backed by its own in-memory hostdb database and sharing one edge server.
func NewHarness(t *testing.T, userID string, deviceIDs ...string) *Harness {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping sync harness integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if _, err := pool.Exec(ctx, hostSchemaPG); err != nil {
		pool.Close()
		t.Fatalf("reset host schema: %v", err)
	}
	t.Cleanup(pool.Close)

	reg := registry.New()
	for _, tbl := range hostdb.Tables() {
		reg.Register(tbl)
	}

	cfg := edge.Config{
		JWTSharedSecret:      jwtSecret,
		DefaultPageSize:      200,
		MaxPageSize:          500,
		RateLimitPerKeyRPS:   1000,
		RateLimitPerKeyBurst: 1000,
	}
	srv := edge.NewServer(cfg, pool, reg, tableRules(), nil, slog.New(slog.DiscardHandler))
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	// Seed the shared account row every client's notes/widgets reference.
	if _, err := pool.Exec(ctx, `INSERT INTO accounts (id, email, updated_at) VALUES ($1, $2, now())`,
		userID, userID+"@example.com"); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	h := &Harness{
		t:          t,
		UserID:     userID,
		Pool:       pool,
		httpServer: httpServer,
		Clients:    make(map[string]*Client, len(deviceIDs)),
	}

	for _, deviceID := range deviceIDs {
		h.addClient(deviceID)
	}
	return h
}

func (h *Harness) addClient(deviceID string) {
	h.t.Helper()
	db, err := hostdb.Open(":memory:")
	if err != nil {
		h.t.Fatalf("open client db %s: %v", deviceID, err)
	}
	h.t.Cleanup(func() { db.Close() })

	clientReg := registry.New()
	if err := hostdb.RegisterAll(db, clientReg); err != nil {
		h.t.Fatalf("register client schema %s: %v", deviceID, err)
	}
	if err := engine.InitWatermarkSchema(db); err != nil {
		h.t.Fatalf("init watermark schema %s: %v", deviceID, err)
	}

	token := signToken(h.t, h.UserID, time.Hour)
	client := workerclient.New(h.httpServer.URL, token, deviceID)

	h.Clients[deviceID] = &Client{
		ID:       deviceID,
		DeviceID: deviceID,
		DB:       db,
		Engine: &engine.Engine{
			DB:       db,
			Registry: clientReg,
			Client:   client,
			UserID:   h.UserID,
			DeviceID: deviceID,
		},
	}
}

func signToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// Client looks up a previously added client by device ID, failing the test
// if it does not exist.
func (h *Harness) Client(deviceID string) *Client {
	h.t.Helper()
	c, ok := h.Clients[deviceID]
	if !ok {
		h.t.Fatalf("no such client %q", deviceID)
	}
	return c
}

// UpsertNote inserts or updates a note row on clientID's local database,
// firing the outbox trigger the same way host application code would.
func (h *Harness) UpsertNote(clientID, noteID, title string, pinned bool) {
	h.t.Helper()
	c := h.Client(clientID)
	_, err := c.DB.Exec(
		`INSERT INTO notes (id, account_id, title, pinned, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, pinned = excluded.pinned, deleted = 0, updated_at = excluded.updated_at`,
		noteID, h.UserID, title, pinned, nowRFC3339(),
	)
	if err != nil {
		h.t.Fatalf("upsert note %s on %s: %v", noteID, clientID, err)
	}
}

// DeleteNote soft-deletes a note row on clientID's local database.
func (h *Harness) DeleteNote(clientID, noteID string) {
	h.t.Helper()
	c := h.Client(clientID)
	if _, err := c.DB.Exec(`UPDATE notes SET deleted = 1, updated_at = ? WHERE id = ?`, nowRFC3339(), noteID); err != nil {
		h.t.Fatalf("delete note %s on %s: %v", noteID, clientID, err)
	}
}

// UpsertWidget inserts or updates a widget keyed by its composite
// (owner_id, slug) unique constraint, for exercising conflict-key
// reconciliation rather than primary-key identity.
func (h *Harness) UpsertWidget(clientID, widgetID, slug, label string) {
	h.t.Helper()
	c := h.Client(clientID)
	_, err := c.DB.Exec(
		`INSERT INTO widgets (id, owner_id, slug, label, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET slug = excluded.slug, label = excluded.label, updated_at = excluded.updated_at`,
		widgetID, h.UserID, slug, label, nowRFC3339(),
	)
	if err != nil {
		h.t.Fatalf("upsert widget %s on %s: %v", widgetID, clientID, err)
	}
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Sync runs one full push+pull cycle on clientID through the real Engine.
func (h *Harness) Sync(clientID string) engine.Report {
	h.t.Helper()
	c := h.Client(clientID)
	report, err := c.Engine.Sync(context.Background())
	if err != nil {
		h.t.Fatalf("sync %s: %v", clientID, err)
	}
	return report
}

// SyncAll runs Sync on every client (in map iteration order, which is not
// fixed), twice, so the second pass lets each client pull what the others
// pushed in the first.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for id := range h.Clients {
		h.Sync(id)
	}
	for id := range h.Clients {
		h.Sync(id)
	}
}

// AssertConverged fails the test unless table looks identical (ignoring the
// updated_at timestamp) across every client.
func (h *Harness) AssertConverged(table string) {
	h.t.Helper()
	var ids []string
	for id := range h.Clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) < 2 {
		return
	}
	want := dumpTable(h.t, h.Client(ids[0]).DB, table)
	for _, id := range ids[1:] {
		got := dumpTable(h.t, h.Client(id).DB, table)
		if want != got {
			h.t.Fatalf("clients diverged on %s:\n%s = %s\n%s = %s", table, ids[0], want, id, got)
		}
	}
}

// Diff returns a human-readable difference between two clients' views of
// table, or "" if they match.
func (h *Harness) Diff(clientA, clientB, table string) string {
	h.t.Helper()
	a := dumpTable(h.t, h.Client(clientA).DB, table)
	b := dumpTable(h.t, h.Client(clientB).DB, table)
	if a == b {
		return ""
	}
	return fmt.Sprintf("%s:\n%s\n\n%s:\n%s", clientA, a, clientB, b)
}

// dumpTable renders every row of table as a sorted, newline-joined string
// with the volatile updated_at column blanked out, so convergence
// comparisons aren't defeated by clock skew between clients.
func dumpTable(t *testing.T, db *sql.DB, table string) string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s ORDER BY id", table))
	if err != nil {
		t.Fatalf("dump %s: %v", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		t.Fatalf("dump %s columns: %v", table, err)
	}

	var lines []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("dump %s scan: %v", table, err)
		}
		parts := make([]string, len(cols))
		for i, col := range cols {
			if col == "updated_at" {
				parts[i] = col + "=<ts>"
				continue
			}
			parts[i] = fmt.Sprintf("%s=%v", col, vals[i])
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
