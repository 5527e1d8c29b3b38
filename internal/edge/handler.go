package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oosync/oosync/internal/engine"
	"github.com/oosync/oosync/internal/registry"
)

// pgUniqueViolation is Postgres's SQLSTATE for a unique-constraint failure,
// used to trigger the composite-conflict-key retry (spec §8.4's scenario F,
// mirrored server-side).
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// changeLogTable records, per committed push, which table changed and when
// — the incremental-pull scan source (spec §4.8, "scan the table-level
// change log"). The table is created by internal/edgedb's migration and
// written by recordChangeLog alongside every push write.
const changeLogTable = "oosync_change_log"

// syncInfraTables are never accepted as push targets even if a client sends
// them — they are sync bookkeeping, not application data.
var syncInfraTables = map[string]bool{
	"push_queue":   true,
	"sync_control": true,
	"sync_state":   true,
	changeLogTable: true,
}

type wireChange struct {
	Table          string         `json:"table"`
	RowID          string         `json:"rowId"`
	Data           map[string]any `json:"data,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	LastModifiedAt string         `json:"lastModifiedAt,omitempty"`
}

type collectionsOverride struct {
	SelectedGenres []string `json:"selectedGenres"`
}

type genreFilter struct {
	SelectedGenreIDs []string `json:"selectedGenreIds"`
	PlaylistGenreIDs []string `json:"playlistGenreIds"`
}

type syncRequest struct {
	Changes             []wireChange         `json:"changes"`
	LastSyncAt          string               `json:"lastSyncAt"`
	SchemaVersion       int                  `json:"schemaVersion"`
	PullCursor          string               `json:"pullCursor"`
	SyncStartedAt       string               `json:"syncStartedAt"`
	PageSize            int                  `json:"pageSize"`
	CollectionsOverride *collectionsOverride `json:"collectionsOverride"`
	GenreFilter         *genreFilter         `json:"genreFilter"`
	PullTables          []string             `json:"pullTables"`
}

type syncResponse struct {
	Changes       []wireChange `json:"changes"`
	SyncedAt      string       `json:"syncedAt"`
	NextCursor    string       `json:"nextCursor,omitempty"`
	SyncStartedAt string       `json:"syncStartedAt,omitempty"`
	Error         string       `json:"error,omitempty"`
	Debug         []string     `json:"debug,omitempty"`
}

// handleSync is the entire protocol handler for POST /api/sync (spec §4.8):
// one transaction around push + pull, closed on return regardless of
// outcome.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := loggerFromContext(ctx)
	userID, _ := userIDFromContext(ctx)

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	defaultPageSize, maxPageSize := s.cfg.DefaultPageSize, s.cfg.MaxPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = 200
	}
	if maxPageSize <= 0 {
		maxPageSize = 500
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		logger.Error("begin tx", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "database error")
		return
	}
	defer tx.Rollback(ctx)

	ruleCtx, err := s.resolveRuleContext(ctx, tx, userID, req)
	if err != nil {
		logger.Error("resolve collections", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "database error")
		return
	}

	var debug []string
	if len(req.Changes) > 0 {
		debug = s.applyPush(ctx, tx, logger, userID, req.Changes)
		pushEventsTotal.Add(float64(len(req.Changes)))
	}

	var resp syncResponse
	if req.LastSyncAt != "" {
		resp, err = s.pullIncremental(ctx, tx, ruleCtx, req)
		pullRequestsTotal.WithLabelValues("incremental").Inc()
	} else {
		resp, err = s.pullInitial(ctx, tx, ruleCtx, req, pageSize)
		pullRequestsTotal.WithLabelValues("initial").Inc()
	}
	if err != nil {
		logger.Error("pull", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "database error")
		return
	}
	resp.Debug = append(resp.Debug, debug...)

	if err := tx.Commit(ctx); err != nil {
		logger.Error("commit tx", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to commit")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// resolveRuleContext loads each configured collection's owned-id set for
// this user, then applies any per-request collectionsOverride/genreFilter
// (spec §4.8's "Load per-request collections... merge in...").
func (s *Server) resolveRuleContext(ctx context.Context, tx pgx.Tx, userID string, req syncRequest) (RuleContext, error) {
	ruleCtx := RuleContext{UserID: userID, Collections: make(map[string][]string, len(s.collections))}
	for name, cfg := range s.collections {
		ids, err := loadOwnedIDs(ctx, tx, cfg, userID)
		if err != nil {
			return RuleContext{}, fmt.Errorf("edge: load collection %q: %w", name, err)
		}
		ruleCtx.Collections[name] = ids
	}
	if req.CollectionsOverride != nil {
		ruleCtx.Collections["genres"] = req.CollectionsOverride.SelectedGenres
	}
	if req.GenreFilter != nil {
		ruleCtx.Collections["genres"] = mergeUnique(req.GenreFilter.SelectedGenreIDs, req.GenreFilter.PlaylistGenreIDs)
	}
	return ruleCtx, nil
}

func loadOwnedIDs(ctx context.Context, tx pgx.Tx, cfg CollectionConfig, userID string) ([]string, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", cfg.IDColumn, cfg.Table, cfg.OwnerColumn)
	rows, err := tx.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func mergeUnique(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// applyPush applies each incoming change inside its own savepoint, so one
// bad row never aborts the rest of the batch (spec §4.8). Returns
// human-readable debug lines for the response, one per row that was
// skipped, refused by deny-delete, or failed.
func (s *Server) applyPush(ctx context.Context, tx pgx.Tx, logger *slog.Logger, userID string, changes []wireChange) []string {
	var debug []string
	for _, ch := range changes {
		if ch.Table == "" || syncInfraTables[ch.Table] {
			continue
		}
		table, ok := s.registry.Table(ch.Table)
		if !ok {
			logger.Warn("push: unknown table", "table", ch.Table)
			debug = append(debug, fmt.Sprintf("skip unknown table %s", ch.Table))
			continue
		}
		if !table.SupportsIncremental() {
			debug = append(debug, fmt.Sprintf("skip table %s: no last-modified-at column", ch.Table))
			continue
		}
		rule := s.rules.forTable(ch.Table)

		if ch.Deleted {
			if rule.DenyDelete {
				logger.Warn("push: delete denied for append-only table", "table", ch.Table, "rowId", ch.RowID)
				debug = append(debug, fmt.Sprintf("delete denied for %s/%s", ch.Table, ch.RowID))
				continue
			}
			if err := s.applyDeleteInSavepoint(ctx, tx, table, ch); err != nil {
				wrapped := wrapTableError(err, ch.Table, ch.RowID)
				logger.Warn("push: delete failed", "err", wrapped)
				debug = append(debug, sanitizeDBError(wrapped))
			}
			continue
		}

		if err := s.applyUpsertInSavepoint(ctx, tx, table, rule, ch); err != nil {
			wrapped := wrapTableError(err, ch.Table, ch.RowID)
			logger.Warn("push: upsert failed", "err", wrapped)
			debug = append(debug, sanitizeDBError(wrapped))
		}
	}
	return debug
}

func (s *Server) applyDeleteInSavepoint(ctx context.Context, tx pgx.Tx, table registry.Table, ch wireChange) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	ch.Data = camelKeysToSnake(s.registry, ch.Data)
	col, val, err := deleteKey(table, ch)
	if err != nil {
		sp.Rollback(ctx)
		return err
	}
	if table.DeletedColumn != "" {
		q := fmt.Sprintf("UPDATE %s SET %s = true, %s = $1 WHERE %s = $2", table.Name, table.DeletedColumn, table.LastModifiedColumn, col)
		_, err = sp.Exec(ctx, q, ch.LastModifiedAt, val)
	} else {
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table.Name, col)
		_, err = sp.Exec(ctx, q, val)
	}
	if err == nil {
		err = recordChangeLog(ctx, sp, table.Name)
	}
	if err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// recordChangeLog appends a row the incremental-pull scan relies on to
// discover which tables changed since a client's watermark (spec §4.8).
func recordChangeLog(ctx context.Context, tx pgx.Tx, tableName string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (table_name, changed_at) VALUES ($1, now())", changeLogTable), tableName)
	return err
}

// camelKeysToSnake converts an incoming push payload's camelCase wire keys
// into the snake_case column names the authoritative schema actually uses
// (spec §4.8's row normalization runs in both directions).
func camelKeysToSnake(reg *registry.Registry, data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[reg.CamelToSnake(k)] = v
	}
	return out
}

func deleteKey(table registry.Table, ch wireChange) (string, string, error) {
	if len(table.PrimaryKey) == 1 {
		if ch.RowID != "" {
			return table.PrimaryKey[0], ch.RowID, nil
		}
		if v, ok := ch.Data[table.PrimaryKey[0]]; ok {
			return table.PrimaryKey[0], fmt.Sprint(v), nil
		}
	}
	for _, col := range table.ConflictKeys {
		if v, ok := ch.Data[col]; ok {
			return col, fmt.Sprint(v), nil
		}
	}
	return "", "", fmt.Errorf("edge: delete for %s: no usable key in payload", table.Name)
}

// applyUpsertInSavepoint mirrors the client-side apply package's
// composite-conflict fallback (internal/apply.applyUpsert), rebuilt against
// Postgres's ON CONFLICT syntax and a table-specific retry-minimal-payload
// fallback instead of SQLite error-text sniffing.
func (s *Server) applyUpsertInSavepoint(ctx context.Context, tx pgx.Tx, table registry.Table, rule TableRule, ch wireChange) error {
	data := sanitizeForPush(table, camelKeysToSnake(s.registry, ch.Data))
	omit := append(append([]string{}, table.OmitFromSet...), rule.OmitSetProps...)

	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	err = upsertRow(ctx, sp, table, table.PrimaryKey, data, omit)

	if err != nil && isUniqueViolation(err) && table.HasCompositeConflictKey() {
		sp.Rollback(ctx)
		sp, err = tx.Begin(ctx)
		if err != nil {
			return err
		}
		compositeOmit := omit
		if !table.IsUserIdentity {
			compositeOmit = append(append([]string{}, omit...), table.PrimaryKey...)
		}
		err = upsertRow(ctx, sp, table, table.ConflictKeys, data, compositeOmit)
	}

	if err != nil && len(rule.RetryKeepProps) > 0 {
		sp.Rollback(ctx)
		sp, err = tx.Begin(ctx)
		if err != nil {
			return err
		}
		stripped := stripToKeepList(data, rule.RetryKeepProps)
		err = upsertRow(ctx, sp, table, table.PrimaryKey, stripped, omit)
	}

	if err == nil {
		err = recordChangeLog(ctx, sp, table.Name)
	}
	if err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func stripToKeepList(data map[string]any, keep []string) map[string]any {
	out := make(map[string]any, len(keep))
	for _, k := range keep {
		if v, ok := data[k]; ok {
			out[k] = v
		}
	}
	return out
}

func upsertRow(ctx context.Context, tx pgx.Tx, table registry.Table, conflictKey []string, data map[string]any, omit []string) error {
	if len(data) == 0 {
		return fmt.Errorf("edge: upsert %s: empty payload", table.Name)
	}
	omitSet := make(map[string]bool, len(omit))
	for _, c := range omit {
		omitSet[c] = true
	}

	cols := make([]string, 0, len(data))
	for c := range data {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[c]
	}

	var setClauses []string
	for _, c := range cols {
		if omitSet[c] || isConflictColumn(c, conflictKey) {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	setSQL := "NOTHING"
	if len(setClauses) > 0 {
		setSQL = "UPDATE SET " + strings.Join(setClauses, ", ")
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO %s",
		table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(conflictKey, ", "), setSQL)
	_, err := tx.Exec(ctx, q, args...)
	return err
}

func isConflictColumn(col string, conflictKey []string) bool {
	for _, c := range conflictKey {
		if c == col {
			return true
		}
	}
	return false
}

// sanitizeForPush normalizes incoming payload values per spec §4.8's
// "sanitize" rule: timestamps get a canonical "T...Z" form, booleans map
// from wire 0/1 to Postgres bool.
func sanitizeForPush(table registry.Table, data map[string]any) map[string]any {
	allowed := table.AllowedColumns()
	out := make(map[string]any, len(data))
	tsCols := make(map[string]bool, len(table.TimestampColumns))
	for _, c := range table.TimestampColumns {
		tsCols[c] = true
	}
	boolCols := make(map[string]bool, len(table.BooleanColumns))
	for _, c := range table.BooleanColumns {
		boolCols[c] = true
	}
	for k, v := range data {
		if !allowed[k] {
			// not a recognized column: column names are spliced into the
			// generated SQL as bare identifiers in upsertRow, so an
			// unrecognized key must be dropped here rather than passed
			// through.
			continue
		}
		switch {
		case tsCols[k]:
			if s, ok := v.(string); ok {
				out[k] = normalizeTimestamp(s)
				continue
			}
			out[k] = v
		case boolCols[k]:
			out[k] = toBool(v)
		default:
			out[k] = v
		}
	}
	return out
}

func normalizeTimestamp(s string) string {
	if s == "" {
		return s
	}
	s = strings.Replace(s, " ", "T", 1)
	if !strings.HasSuffix(s, "Z") && !strings.Contains(s, "+") {
		s += "Z"
	}
	return s
}

func toBool(v any) any {
	switch n := v.(type) {
	case float64:
		return n != 0
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

// pullIncremental implements the delta pull path (spec §4.8): scan the
// change log for tables touched since lastSyncAt, then re-select each
// touched (and allow-listed) table's rows for this user.
func (s *Server) pullIncremental(ctx context.Context, tx pgx.Tx, ruleCtx RuleContext, req syncRequest) (syncResponse, error) {
	touched, err := touchedTablesSince(ctx, tx, req.LastSyncAt)
	if err != nil {
		return syncResponse{}, err
	}
	allow := toSet(req.PullTables)

	var changes []wireChange
	for _, name := range touched {
		if len(allow) > 0 && !allow[name] {
			continue
		}
		table, ok := s.registry.Table(name)
		if !ok || !table.SupportsIncremental() {
			continue
		}
		rows, err := s.selectTableRows(ctx, tx, table, ruleCtx, req.LastSyncAt, "", 0, 0)
		if err != nil {
			return syncResponse{}, err
		}
		changes = append(changes, rows...)
	}

	return syncResponse{
		Changes:  changes,
		SyncedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func touchedTablesSince(ctx context.Context, tx pgx.Tx, since string) ([]string, error) {
	q := fmt.Sprintf("SELECT DISTINCT table_name FROM %s WHERE changed_at > $1", changeLogTable)
	rows, err := tx.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func toSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

// pullInitial implements the paginated initial-sync path (spec §4.8): walk
// registered tables in fixed order from the decoded cursor, packing
// successive tables' rows into one response until pageSize is filled (spec
// §8.4 Scenario A: page 1 is 150 rows of table A followed by 50 of table B,
// not one table per page).
func (s *Server) pullInitial(ctx context.Context, tx pgx.Tx, ruleCtx RuleContext, req syncRequest, pageSize int) (syncResponse, error) {
	cursor, err := engine.DecodeCursor(req.PullCursor)
	if err != nil {
		return syncResponse{Error: "bad-cursor"}, nil
	}
	syncStartedAt := req.SyncStartedAt
	if syncStartedAt == "" {
		syncStartedAt = time.Now().UTC().Format(time.RFC3339)
	}

	tableNames := s.registry.TableNames()
	allow := toSet(req.PullTables)

	var changes []wireChange
	remaining := pageSize

	for cursor.TableIndex < len(tableNames) && remaining > 0 {
		name := tableNames[cursor.TableIndex]
		table, ok := s.registry.Table(name)
		if !ok || (len(allow) > 0 && !allow[name]) {
			cursor.TableIndex++
			cursor.Offset = 0
			continue
		}

		rows, err := s.selectTableRows(ctx, tx, table, ruleCtx, "", syncStartedAt, remaining, cursor.Offset)
		if err != nil {
			return syncResponse{}, err
		}
		changes = append(changes, rows...)

		if len(rows) < remaining {
			cursor.TableIndex++
			cursor.Offset = 0
		} else {
			cursor.Offset += len(rows)
		}
		remaining -= len(rows)
	}

	resp := syncResponse{
		Changes:       changes,
		SyncedAt:      time.Now().UTC().Format(time.RFC3339),
		SyncStartedAt: syncStartedAt,
	}

	if cursor.TableIndex < len(tableNames) {
		cursor.SyncStartedAt = syncStartedAt
		next, err := engine.EncodeCursor(cursor)
		if err != nil {
			return syncResponse{}, err
		}
		resp.NextCursor = next
	}
	return resp, nil
}

// selectTableRows runs a user-scoped select against one table, honoring the
// pull-rule DSL plus an optional last-modified-at lower bound (incremental)
// or upper-bound cutoff with LIMIT/OFFSET (initial pagination).
func (s *Server) selectTableRows(ctx context.Context, tx pgx.Tx, table registry.Table, ruleCtx RuleContext, since, cutoff string, limit, offset int) ([]wireChange, error) {
	rule := s.rules.forTable(table.Name)
	pullRule := rule.Pull
	if pullRule == nil {
		pullRule = fallbackPullRule()
	}
	whereFrag, args, err := BuildWhere(pullRule, ruleCtx)
	if err != nil {
		return nil, err
	}
	whereFrag = rebindPostgres(whereFrag, 0)

	clauses := []string{whereFrag}
	if since != "" && table.LastModifiedColumn != "" {
		args = append(args, since)
		clauses = append(clauses, fmt.Sprintf("%s > $%d", table.LastModifiedColumn, len(args)))
	}
	if cutoff != "" && table.LastModifiedColumn != "" {
		args = append(args, cutoff)
		clauses = append(clauses, fmt.Sprintf("%s <= $%d", table.LastModifiedColumn, len(args)))
	}

	q := fmt.Sprintf("SELECT * FROM %s WHERE %s", table.Name, strings.Join(clauses, " AND "))
	if limit > 0 {
		q += fmt.Sprintf(" ORDER BY %s LIMIT %d OFFSET %d", table.PrimaryKey[0], limit, offset)
	}

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return rowsToWireChanges(rows, table, s.registry)
}

// rowsToWireChanges applies the server→client row normalization (spec
// §4.8): snake_case columns become camelCase, booleans become 0/1.
func rowsToWireChanges(rows pgx.Rows, table registry.Table, reg *registry.Registry) ([]wireChange, error) {
	fields := rows.FieldDescriptions()
	var out []wireChange
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		data := make(map[string]any, len(values))
		var rowID, lastModifiedAt string
		for i, f := range fields {
			col := string(f.Name)
			val := normalizeScanned(col, values[i])
			data[reg.SnakeToCamel(col)] = val
			if len(table.PrimaryKey) == 1 && col == table.PrimaryKey[0] {
				rowID = fmt.Sprint(values[i])
			}
			if col == table.LastModifiedColumn {
				lastModifiedAt = fmt.Sprint(val)
			}
		}
		if rowID == "" && len(table.PrimaryKey) > 0 {
			rowID = compositeRowID(table.PrimaryKey, data, reg)
		}
		out = append(out, wireChange{
			Table:          table.Name,
			RowID:          rowID,
			Data:           data,
			LastModifiedAt: lastModifiedAt,
		})
	}
	return out, rows.Err()
}

func compositeRowID(pk []string, data map[string]any, reg *registry.Registry) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = fmt.Sprint(data[reg.SnakeToCamel(col)])
	}
	b, _ := json.Marshal(parts)
	return string(b)
}

func normalizeScanned(col string, v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return v
	}
}
