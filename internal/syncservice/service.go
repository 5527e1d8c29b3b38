// Package syncservice is the sync service (C7): the public facade over the
// sync engine. It is the one long-lived object that owns the mutual-exclusion
// mutex, the background scheduler, and the realtime manager — no
// package-level state, per the spec's per-instance-facade design note.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oosync/oosync/internal/engine"
	"github.com/oosync/oosync/internal/realtime"
)

// ErrSyncInProgress is returned by every public operation when a sync is
// already running — a distinct error kind from any failure the sync itself
// can produce (spec §7).
var ErrSyncInProgress = errors.New("syncservice: sync already in progress")

// PersistFunc lets the host application snapshot the local database after a
// successful syncDown or a failed syncUp, mirroring the host-runtime contract
// in spec §6.2.
type PersistFunc func(ctx context.Context) error

// Service is the public sync facade. Construct with New and call Close when
// the host application shuts down.
type Service struct {
	eng    *engine.Engine
	logger *slog.Logger
	persist PersistFunc

	mu        sync.Mutex
	isSyncing bool

	scheduler *scheduler
	realtimeMgr *realtime.Manager

	failureCount int
	onThrottledFailure func(count int)
}

// Options configures optional collaborators; all are optional.
type Options struct {
	Logger             *slog.Logger
	Persist            PersistFunc
	OnThrottledFailure func(count int) // called at failure counts 1, 5, 10
	Realtime           *realtime.Manager
}

// New wraps an engine in the sync-service facade.
func New(eng *engine.Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		eng:                eng,
		logger:             logger,
		persist:            opts.Persist,
		realtimeMgr:        opts.Realtime,
		onThrottledFailure: opts.OnThrottledFailure,
	}
	s.scheduler = newScheduler(s)
	return s
}

// withSync runs fn while holding the sync-in-progress guard, returning
// ErrSyncInProgress instead of running fn at all on re-entry.
func (s *Service) withSync(fn func() (engine.Report, error)) (engine.Report, error) {
	s.mu.Lock()
	if s.isSyncing {
		s.mu.Unlock()
		return engine.Report{}, ErrSyncInProgress
	}
	s.isSyncing = true
	if s.realtimeMgr != nil {
		s.realtimeMgr.SetInFlight(true)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isSyncing = false
		if s.realtimeMgr != nil {
			s.realtimeMgr.SetInFlight(false)
		}
		s.mu.Unlock()
	}()

	return fn()
}

// Sync runs a full bidirectional sync.
func (s *Service) Sync(ctx context.Context) (engine.Report, error) {
	report, err := s.withSync(func() (engine.Report, error) { return s.eng.Sync(ctx) })
	s.recordOutcome(ctx, err, true, report.Applied)
	return report, err
}

// SyncUp pushes the outbox alone. Rejected in pull-only mode by the engine
// itself (engine.ErrSyncUpDisabledInPullOnlyMode).
func (s *Service) SyncUp(ctx context.Context) (engine.Report, error) {
	report, err := s.withSync(func() (engine.Report, error) { return s.eng.SyncUpFromOutbox(ctx) })
	s.recordOutcome(ctx, err, false, report.Applied)
	return report, err
}

// SyncDown pulls only, guarded by the engine's zombie-resurrect push-first
// check.
func (s *Service) SyncDown(ctx context.Context) (engine.Report, error) {
	report, err := s.withSync(func() (engine.Report, error) { return s.eng.SyncDown(ctx) })
	s.recordOutcome(ctx, err, true, report.Applied)
	return report, err
}

// SyncDownTables pulls a caller-chosen subset of tables.
func (s *Service) SyncDownTables(ctx context.Context, tables []string) (engine.Report, error) {
	return s.withSync(func() (engine.Report, error) { return s.eng.SyncDownTables(ctx, tables) })
}

// ForceFullSyncDown clears the watermark and re-runs SyncDown as a cold start.
func (s *Service) ForceFullSyncDown(ctx context.Context) (engine.Report, error) {
	report, err := s.withSync(func() (engine.Report, error) { return s.eng.ForceFullSyncDown(ctx) })
	s.recordOutcome(ctx, err, true, report.Applied)
	return report, err
}

// recordOutcome runs the persistDb hook (if configured) after a successful
// pull-capable sync or a failed push, tracks the throttled-failure counter,
// and feeds the Prometheus sync counters.
func (s *Service) recordOutcome(ctx context.Context, err error, pulled bool, appliedRows int) {
	recordSyncMetrics(err, appliedRows)
	if err == nil {
		s.failureCount = 0
		if pulled && s.persist != nil {
			if perr := s.persist(ctx); perr != nil {
				s.logger.Error("persistDb after successful syncDown failed", "error", perr)
			}
		}
		return
	}

	if errors.Is(err, ErrSyncInProgress) {
		return // not a sync failure, don't touch the failure counter
	}

	s.failureCount++
	syncFailureStreak.Set(float64(s.failureCount))
	s.logger.Warn("sync failed", "error", err, "failure_count", s.failureCount)
	if s.failureCount == 1 || s.failureCount == 5 || s.failureCount == 10 {
		if s.onThrottledFailure != nil {
			s.onThrottledFailure(s.failureCount)
		}
	}
	if !pulled && s.persist != nil {
		if perr := s.persist(ctx); perr != nil {
			s.logger.Error("persistDb after failed syncUp failed", "error", perr)
		}
	}
}

// StartAutoSync starts the background scheduler (startup pull with bounded
// retries, periodic push, periodic pull).
func (s *Service) StartAutoSync(ctx context.Context) error {
	return s.scheduler.start(ctx)
}

// StopAutoSync stops the background scheduler.
func (s *Service) StopAutoSync() {
	s.scheduler.stop()
}

// StartRealtime begins realtime subscriptions, if a realtime.Manager was
// configured.
func (s *Service) StartRealtime(tables []string) error {
	if s.realtimeMgr == nil {
		return fmt.Errorf("syncservice: no realtime manager configured")
	}
	return s.realtimeMgr.Start(tables)
}

// StopRealtime tears down realtime subscriptions.
func (s *Service) StopRealtime() {
	if s.realtimeMgr != nil {
		s.realtimeMgr.Stop()
	}
}

// Destroy stops the scheduler and realtime manager and releases resources.
// The underlying engine's *sql.DB is owned by the caller, not closed here.
func (s *Service) Destroy() {
	s.StopAutoSync()
	s.StopRealtime()
}

// GetLastSyncDownTimestamp returns the persisted watermark, if any.
func (s *Service) GetLastSyncDownTimestamp() (string, error) {
	return s.eng.GetLastSyncTimestamp()
}

// GetLastSyncMode reports whether the most recently completed sync was
// incremental, full, or (if none has ever succeeded) unknown.
func (s *Service) GetLastSyncMode() (engine.Mode, bool, error) {
	return engine.WasLastSyncIncremental(s.eng.DB, s.eng.UserID)
}
