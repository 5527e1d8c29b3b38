package syncservice

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	periodicPushInterval = "@every 30s"
	periodicPullInterval = "@every 2m"

	startupRetryCount = 3
	startupRetryUnit  = 500 * time.Millisecond
)

// scheduler owns the three independent background cadences (spec §4.7):
// a bounded-retry startup pull, a periodic push that skips when the outbox
// is empty or the host is offline, and a periodic pull that skips when
// offline. The startup pull runs once, inline, from start; the two periodic
// cadences are separate cron entries (pushEntryID, pullEntryID) rather than
// hand-rolled time.Tickers.
type scheduler struct {
	svc  *Service
	cron *cron.Cron

	pushEntryID cron.EntryID
	pullEntryID cron.EntryID

	// IsOnline reports host connectivity; nil means "always online" (the
	// common case for tests and for hosts without a connectivity signal).
	IsOnline func() bool
}

func newScheduler(svc *Service) *scheduler {
	return &scheduler{svc: svc}
}

func (s *scheduler) online() bool {
	return s.IsOnline == nil || s.IsOnline()
}

func (s *scheduler) start(ctx context.Context) error {
	if err := s.runStartupPull(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		s.svc.logger.Warn("startup pull did not complete", "error", err)
	}

	s.cron = cron.New()
	pushID, err := s.cron.AddFunc(periodicPushInterval, func() { s.runPeriodicPush(ctx) })
	if err != nil {
		return err
	}
	s.pushEntryID = pushID

	pullID, err := s.cron.AddFunc(periodicPullInterval, func() { s.runPeriodicPull(ctx) })
	if err != nil {
		return err
	}
	s.pullEntryID = pullID

	s.cron.Start()
	return nil
}

func (s *scheduler) stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// runStartupPull retries up to startupRetryCount times with a linear
// attempt*startupRetryUnit backoff. If the host reports offline, the startup
// pull is skipped and returns nil; it is not attempted again when the host
// comes online, and only the periodic pull runs after that.
func (s *scheduler) runStartupPull(ctx context.Context) error {
	if !s.online() {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= startupRetryCount; attempt++ {
		_, err := s.svc.SyncDown(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSyncInProgress) {
			return err // not counted as a startup failure
		}
		lastErr = err
		if attempt < startupRetryCount {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * startupRetryUnit):
			}
		}
	}
	return lastErr
}

func (s *scheduler) runPeriodicPush(ctx context.Context) {
	if !s.online() {
		return
	}
	stats, err := s.svc.eng.GetOutboxStats()
	if err != nil {
		s.svc.logger.Warn("periodic push: stats check failed", "error", err)
		return
	}
	if stats.Pending == 0 {
		return
	}
	if _, err := s.svc.SyncUp(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		s.svc.logger.Warn("periodic push failed", "error", err)
	}
}

func (s *scheduler) runPeriodicPull(ctx context.Context) {
	if !s.online() {
		return
	}
	if _, err := s.svc.SyncDown(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		s.svc.logger.Warn("periodic pull failed", "error", err)
	}
}
