// Package cleanup periodically reconciles the local actor set with durable
// session lifecycle rules: stale leases, long-idle sessions, aged sessions,
// and terminal local sessions with no subscribers.
package cleanup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
	"github.com/ashureev/agentgateway/internal/sessionmgr"
	"github.com/ashureev/agentgateway/internal/store"
)

// Config carries the cleanup loop's tunable parameters.
type Config struct {
	Interval          time.Duration
	IdleTimeout       time.Duration
	StaleLeaseTimeout time.Duration
	MaxSessionAge     time.Duration
}

// Loop is the periodic sweep. It is re-entrancy-guarded: a tick started
// while the previous tick is still running returns immediately with zero
// work, mirroring the teacher's single-ticker TTL worker but generalized
// to four independent sweep rules.
type Loop struct {
	cfg    Config
	repo   store.Repository
	mgr    *sessionmgr.Manager
	logger *slog.Logger

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Loop. Call Start to begin the ticker.
func New(cfg Config, repo store.Repository, mgr *sessionmgr.Manager, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.StaleLeaseTimeout <= 0 {
		cfg.StaleLeaseTimeout = 60 * time.Second
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, repo: repo, mgr: mgr, logger: logger}
}

// Start begins the periodic sweep in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		l.logger.Info("cleanup: loop started", "interval", l.cfg.Interval)

		for {
			select {
			case <-ctx.Done():
				l.logger.Info("cleanup: loop shutting down", "reason", ctx.Err())
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (l *Loop) Stop() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	<-l.done
}

// Tick runs one sweep. Exported so callers (and tests) can drive it
// synchronously without waiting on the ticker.
func (l *Loop) Tick(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Debug("cleanup: tick already running, skipping")
		return
	}
	defer l.running.Store(false)

	now := time.Now()
	l.sweepStaleLeases(ctx, now)
	l.sweepIdleSessions(ctx, now)
	l.sweepAgedSessions(ctx, now)
	l.sweepLocalTerminalSessions()
}

// sweepStaleLeases marks stopped, in storage, any session whose durable
// lease expiry is before now - staleLeaseTimeout, and removes any local
// actor for it.
func (l *Loop) sweepStaleLeases(ctx context.Context, now time.Time) {
	cutoff := now.Add(-l.cfg.StaleLeaseTimeout)
	ids, err := l.repo.GetStaleSessionIds(ctx, cutoff)
	if err != nil {
		l.logger.Error("cleanup: get stale session ids failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := l.repo.MarkSessionStopped(ctx, id, "stale_lease"); err != nil {
			l.logger.Warn("cleanup: mark stale session stopped failed", "session_id", id, "error", err)
			continue
		}
		l.mgr.RemoveSession(ctx, id)
		l.logger.Info("cleanup: reclaimed stale-leased session", "session_id", id)
	}
}

// sweepIdleSessions marks stopped, in storage, any session with no
// activity since idleTimeout and removes it locally.
func (l *Loop) sweepIdleSessions(ctx context.Context, now time.Time) {
	cutoff := now.Add(-l.cfg.IdleTimeout)
	ids, err := l.repo.GetIdleSessions(ctx, cutoff)
	if err != nil {
		l.logger.Error("cleanup: get idle sessions failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := l.repo.MarkSessionStopped(ctx, id, "idle_timeout"); err != nil {
			l.logger.Warn("cleanup: mark idle session stopped failed", "session_id", id, "error", err)
			continue
		}
		l.mgr.RemoveSession(ctx, id)
		l.logger.Info("cleanup: reclaimed idle session", "session_id", id)
	}
}

// sweepAgedSessions collects sessions created more than maxSessionAge ago
// and purges their event history. Whether to purge is a storage-side
// policy; this loop only decides which sessions qualify.
func (l *Loop) sweepAgedSessions(ctx context.Context, now time.Time) {
	cutoff := now.Add(-l.cfg.MaxSessionAge)
	ids, err := l.repo.GetOldSessions(ctx, cutoff)
	if err != nil {
		l.logger.Error("cleanup: get old sessions failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	if err := l.repo.DeleteOldEvents(ctx, ids); err != nil {
		l.logger.Warn("cleanup: delete old events failed", "count", len(ids), "error", err)
		return
	}
	l.logger.Info("cleanup: purged event history for aged sessions", "count", len(ids))
}

// sweepLocalTerminalSessions removes any locally cached actor whose
// status is stopped or error and whose subscriber set is empty.
func (l *Loop) sweepLocalTerminalSessions() {
	for _, a := range l.mgr.All() {
		if !isTerminal(a.Status()) {
			continue
		}
		if a.SubscriberCount() > 0 {
			continue
		}
		l.mgr.RemoveSession(context.Background(), a.SessionID())
		l.logger.Info("cleanup: removed terminal local session", "session_id", a.SessionID())
	}
}

func isTerminal(status domain.SessionStatus) bool {
	return status.IsTerminal()
}
