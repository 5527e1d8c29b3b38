// Package engine is the sync engine (C5): the orchestration layer that
// drains the outbox, talks to the worker client, hands pulled pages to the
// apply pipeline, paginates an initial sync, runs the bounded deferred-retry
// loop, and decides when the watermark is allowed to advance.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oosync/oosync/internal/apply"
	"github.com/oosync/oosync/internal/outbox"
	"github.com/oosync/oosync/internal/registry"
	"github.com/oosync/oosync/internal/workerclient"
)

// maxDeferredRetryPasses bounds the FK-deferral retry loop (spec §4.2/§8.1):
// acyclic FK graphs resolve within this many passes; anything still deferred
// after it is a genuine failure, not a transient ordering problem.
const maxDeferredRetryPasses = 3

const defaultBatchSize = 200

// Mode distinguishes an initial (cold-start, paginated) sync from an
// incremental one, reported to callers via WasLastSyncIncremental.
type Mode string

const (
	ModeInitial     Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Report summarizes one logical sync (possibly spanning multiple pages).
type Report struct {
	Mode            Mode
	Applied         int
	Failed          int
	Errors          []string
	PushedCompleted int
	SyncedAt        string
}

// ErrPushFailed is returned by SyncDown when its zombie-resurrect guard's
// push attempt fails and the pull is therefore aborted without running.
var ErrPushFailed = errors.New("engine: push failed, pull aborted")

// ErrSyncUpDisabledInPullOnlyMode is returned by SyncUpFromOutbox when the
// engine was constructed in pull-only mode.
var ErrSyncUpDisabledInPullOnlyMode = errors.New("engine: push disabled in pull-only mode")

// Engine is the sole long-lived orchestrator over one (local db, registry,
// worker client, user) tuple — no module-level state, per the spec's
// per-instance-facade design note.
type Engine struct {
	DB            *sql.DB
	Registry      *registry.Registry
	Client        *workerclient.Client
	UserID        string
	DeviceID      string
	SchemaVersion int

	// BatchSize caps how many outbox rows are pushed per request. Zero means
	// defaultBatchSize.
	BatchSize int

	// AllowDeletes controls whether pending DELETE items are pushed. When
	// false, DELETE items are excluded from the batch but left pending
	// (never pruned) rather than pushed.
	AllowDeletes bool

	// PullOnly disables SyncUpFromOutbox and the push half of Sync entirely.
	PullOnly bool
}

func (e *Engine) batchSize() int {
	if e.BatchSize <= 0 {
		return defaultBatchSize
	}
	return e.BatchSize
}

// pushBatch is one drained slice of the outbox, paired with the items that
// produced it so they can be marked completed once the push is accepted.
type pushBatch struct {
	Items   []outbox.Item
	Changes []workerclient.Change
}

// drainOutbox reads up to limit pending items, pruning stale INSERT/UPDATE
// entries whose local row has since vanished, and excluding (without
// pruning) pending DELETE entries when AllowDeletes is false.
func (e *Engine) drainOutbox(limit int) (pushBatch, error) {
	items, err := outbox.GetPending(e.DB, limit)
	if err != nil {
		return pushBatch{}, fmt.Errorf("engine: drain outbox: %w", err)
	}

	var batch pushBatch
	for _, item := range items {
		table, ok := e.Registry.Table(item.Table)
		if !ok {
			continue
		}

		if item.Op != outbox.OpDelete {
			exists, err := rowExists(e.DB, table, item.RowID)
			if err != nil {
				return pushBatch{}, err
			}
			if !exists {
				if err := outbox.MarkCompleted(e.DB, item.ID); err != nil {
					return pushBatch{}, err
				}
				continue
			}
		} else if !e.AllowDeletes {
			continue // left pending, never pruned
		}

		change, err := buildChangeFromRow(e.DB, e.Registry, table, item)
		if err != nil {
			return pushBatch{}, err
		}
		batch.Items = append(batch.Items, item)
		batch.Changes = append(batch.Changes, change)
	}
	return batch, nil
}

// isInitialSync reports whether the next sync should run as a cold-start
// initial sync: either no watermark is persisted, or one is persisted but
// every local syncable table is empty (spec §3.4/§8.3 — a cleared-but-stale
// watermark must not suppress a genuinely empty local database).
func (e *Engine) isInitialSync() (bool, error) {
	watermark, err := GetWatermark(e.DB, e.UserID)
	if err != nil {
		return false, err
	}
	if watermark == "" {
		return true, nil
	}
	empty, err := e.allLocalTablesEmpty()
	if err != nil {
		return false, err
	}
	return empty, nil
}

func (e *Engine) allLocalTablesEmpty() (bool, error) {
	for _, table := range e.Registry.Tables() {
		var one int
		err := e.DB.QueryRow(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", table.Name)).Scan(&one)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("engine: check emptiness of %s: %w", table.Name, err)
		}
		return false, nil
	}
	return true, nil
}

// applyWithDeferredRetry runs ApplyPage and then retries any FK-deferred
// changes up to maxDeferredRetryPasses-1 additional times, stopping early if
// a pass makes no progress. Anything still deferred after the bound is a
// real failure, folded into the returned Result.
func applyWithDeferredRetry(db *sql.DB, reg *registry.Registry, changes []workerclient.Change, deviceID string) (apply.Result, error) {
	total, err := apply.ApplyPage(db, reg, changes, deviceID)
	if err != nil {
		return total, err
	}

	deferred := total.Deferred
	passes := 1
	for pass := 1; pass < maxDeferredRetryPasses && len(deferred) > 0; pass++ {
		res, err := apply.ApplyPage(db, reg, deferred, deviceID)
		if err != nil {
			return total, err
		}
		passes++
		total.Applied += res.Applied
		total.Failed += res.Failed
		total.Errors = append(total.Errors, res.Errors...)
		total.AffectedTables = mergeTableNames(total.AffectedTables, res.AffectedTables)

		if len(res.Deferred) == len(deferred) {
			deferred = res.Deferred
			break // no progress this pass; stop spinning
		}
		deferred = res.Deferred
	}

	if len(deferred) > 0 {
		total.Failed += len(deferred)
		for _, ch := range deferred {
			total.Errors = append(total.Errors, fmt.Sprintf("table=%s rowId=%s: unresolved foreign-key dependency after %d passes", ch.Table, ch.RowID, passes))
		}
	}
	total.Deferred = nil
	return total, nil
}

func mergeTableNames(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, x := range append(append([]string{}, a...), b...) {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}

// Sync runs one full bidirectional sync: drain and push the outbox, pull
// (paginating through an initial sync if needed), apply each page, and
// advance the watermark only if the entire operation applied with zero
// failures.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	initial, err := e.isInitialSync()
	if err != nil {
		return Report{}, err
	}

	var batch pushBatch
	if !e.PullOnly {
		batch, err = e.drainOutbox(e.batchSize())
		if err != nil {
			return Report{}, err
		}
	}

	watermark, err := GetWatermark(e.DB, e.UserID)
	if err != nil {
		return Report{}, err
	}

	report := Report{Mode: ModeIncremental}
	if initial {
		report.Mode = ModeInitial
	}

	cursor := ""
	syncStartedAt := ""
	pushMarked := false
	firstRequest := true

	for {
		req := workerclient.Request{
			SchemaVersion: e.SchemaVersion,
			PageSize:      defaultBatchSize,
		}
		if firstRequest && len(batch.Changes) > 0 {
			req.Changes = batch.Changes
		}
		if initial {
			req.PullCursor = cursor
			req.SyncStartedAt = syncStartedAt
		} else {
			req.LastSyncAt = watermark
		}

		page, err := e.Client.Sync(ctx, req)
		if err != nil {
			return report, fmt.Errorf("engine: sync request: %w", err)
		}
		firstRequest = false

		if !pushMarked && len(batch.Items) > 0 {
			for _, item := range batch.Items {
				if err := outbox.MarkCompleted(e.DB, item.ID); err != nil {
					return report, err
				}
			}
			report.PushedCompleted = len(batch.Items)
			pushMarked = true
		}

		res, err := applyWithDeferredRetry(e.DB, e.Registry, page.Changes, e.DeviceID)
		if err != nil {
			return report, fmt.Errorf("engine: apply page: %w", err)
		}
		report.Applied += res.Applied
		report.Failed += res.Failed
		report.Errors = append(report.Errors, res.Errors...)
		report.SyncedAt = page.SyncedAt

		if !page.HasMore() {
			syncStartedAt = page.SyncStartedAt
			break
		}
		cursor = page.NextCursor
		syncStartedAt = page.SyncStartedAt
	}

	if report.Failed == 0 {
		newWatermark := report.SyncedAt
		if initial && syncStartedAt != "" {
			newWatermark = syncStartedAt
		}
		if newWatermark == "" {
			newWatermark = time.Now().UTC().Format("2006-01-02T15:04:05Z")
		}
		if err := SetWatermark(e.DB, e.UserID, newWatermark); err != nil {
			return report, err
		}
		if err := setLastMode(e.DB, e.UserID, report.Mode); err != nil {
			return report, err
		}
	}

	return report, nil
}

// SyncUpFromOutbox pushes the outbox alone, without pulling. Disabled in
// pull-only mode.
func (e *Engine) SyncUpFromOutbox(ctx context.Context) (Report, error) {
	if e.PullOnly {
		return Report{}, ErrSyncUpDisabledInPullOnlyMode
	}
	batch, err := e.drainOutbox(e.batchSize())
	if err != nil {
		return Report{}, err
	}
	if len(batch.Changes) == 0 {
		return Report{}, nil
	}

	page, err := e.Client.Sync(ctx, workerclient.Request{
		SchemaVersion: e.SchemaVersion,
		Changes:       batch.Changes,
	})
	if err != nil {
		return Report{}, fmt.Errorf("engine: push: %w", err)
	}
	for _, item := range batch.Items {
		if err := outbox.MarkCompleted(e.DB, item.ID); err != nil {
			return Report{}, err
		}
	}
	return Report{PushedCompleted: len(batch.Items), SyncedAt: page.SyncedAt}, nil
}

// SyncDown pulls only, but first pushes any pending outbox items as a
// zombie-resurrect guard: without this, a locally deleted row whose delete
// hasn't reached the server yet could be resurrected by the very pull this
// call is about to perform. If the push fails, the pull is aborted and the
// outbox item stays pending.
func (e *Engine) SyncDown(ctx context.Context) (Report, error) {
	if !e.PullOnly {
		stats, err := outbox.GetStats(e.DB)
		if err != nil {
			return Report{}, err
		}
		if stats.Pending > 0 {
			if _, err := e.SyncUpFromOutbox(ctx); err != nil {
				return Report{}, fmt.Errorf("%w: %v", ErrPushFailed, err)
			}
		}
	}

	saved := e.PullOnly
	e.PullOnly = true
	report, err := e.Sync(ctx)
	e.PullOnly = saved
	return report, err
}

// SyncDownTables restricts a pull-only sync to a caller-chosen subset of
// tables: the wire request carries pullTables so the edge narrows its query
// set. The returned page is applied with the full registry; no client-side
// table filtering is done.
func (e *Engine) SyncDownTables(ctx context.Context, tables []string) (Report, error) {
	watermark, err := GetWatermark(e.DB, e.UserID)
	if err != nil {
		return Report{}, err
	}
	page, err := e.Client.Sync(ctx, workerclient.Request{
		SchemaVersion: e.SchemaVersion,
		LastSyncAt:    watermark,
		PullTables:    tables,
	})
	if err != nil {
		return Report{}, fmt.Errorf("engine: syncDownTables: %w", err)
	}
	res, err := applyWithDeferredRetry(e.DB, e.Registry, page.Changes, e.DeviceID)
	if err != nil {
		return Report{}, err
	}
	return Report{Mode: ModeIncremental, Applied: res.Applied, Failed: res.Failed, Errors: res.Errors, SyncedAt: page.SyncedAt}, nil
}

// ForceFullSyncDown clears the local watermark and runs SyncDown, forcing a
// fresh cold-start initial sync regardless of current local state.
func (e *Engine) ForceFullSyncDown(ctx context.Context) (Report, error) {
	if err := ClearWatermark(e.DB, e.UserID); err != nil {
		return Report{}, err
	}
	return e.SyncDown(ctx)
}

// GetOutboxStats returns current push-queue counts.
func (e *Engine) GetOutboxStats() (outbox.Stats, error) {
	return outbox.GetStats(e.DB)
}

// GetLastSyncTimestamp returns the persisted watermark, or "" if none.
func (e *Engine) GetLastSyncTimestamp() (string, error) {
	return GetWatermark(e.DB, e.UserID)
}

// WasLastSyncIncremental reports the mode of the most recently completed
// sync, or ("", false, nil) if none has ever succeeded.
func WasLastSyncIncremental(db *sql.DB, userID string) (Mode, bool, error) {
	mode, err := getLastMode(db, userID)
	if err != nil {
		return "", false, err
	}
	if mode == "" {
		return "", false, nil
	}
	return mode, mode == ModeIncremental, nil
}

func lastModeKey(userID string) string { return "LAST_SYNC_MODE_" + userID }

func setLastMode(db *sql.DB, userID string, mode Mode) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastModeKey(userID), string(mode))
	if err != nil {
		return fmt.Errorf("engine: set last sync mode: %w", err)
	}
	return nil
}

func getLastMode(db *sql.DB, userID string) (Mode, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, lastModeKey(userID)).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("engine: read last sync mode: %w", err)
	}
	return Mode(v), nil
}
