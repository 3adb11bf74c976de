// Package sessionmgr is the single source of truth for the set of session
// actors owned by this gateway instance: it loads sessions on demand,
// claims and periodically renews their lease, and creates and removes
// sessions.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentgateway/internal/domain"
	"github.com/ashureev/agentgateway/internal/sessionactor"
	"github.com/ashureev/agentgateway/internal/store"
)

// ErrSessionNotFound mirrors store.ErrSessionNotFound for callers that only
// depend on this package.
var ErrSessionNotFound = store.ErrSessionNotFound

// Config carries the manager's tunable parameters.
type Config struct {
	GatewayID            string
	LeaseTimeout         time.Duration
	LeaseRefreshInterval time.Duration
	MaxRecentEvents      int
	IdleTimeout          time.Duration
}

// Manager is the registry of in-process actors keyed by session id.
type Manager struct {
	cfg     Config
	repo    store.Repository
	persist sessionactor.PersistFunc

	mu     sync.RWMutex
	actors map[string]*sessionactor.Actor

	logger *slog.Logger

	stopRefresh chan struct{}
	refreshDone chan struct{}
}

// New constructs a Manager. persist is wired into every spawned actor as
// its fire-and-forget persistence callback (typically a *persistence.Writer's
// Enqueue).
func New(cfg Config, repo store.Repository, persist sessionactor.PersistFunc, logger *slog.Logger) *Manager {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 30 * time.Second
	}
	if cfg.LeaseRefreshInterval <= 0 {
		cfg.LeaseRefreshInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		repo:    repo,
		persist: persist,
		actors:  make(map[string]*sessionactor.Actor),
		logger:  logger,
	}
}

// GetOrLoadSession returns the cached actor, or loads the session record
// from storage, instantiates a new actor, wires its callbacks, stores it,
// and claims the lease. Returns ErrSessionNotFound if the record is absent.
func (m *Manager) GetOrLoadSession(ctx context.Context, id string) (*sessionactor.Actor, error) {
	if a, ok := m.lookup(id); ok {
		return a, nil
	}

	sess, err := m.repo.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	return m.adopt(ctx, sess)
}

// CreateSession creates the durable record via the storage callback, then
// proceeds like GetOrLoadSession.
func (m *Manager) CreateSession(ctx context.Context, cfg domain.NewSessionConfig) (*sessionactor.Actor, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	sess, err := m.repo.CreateSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return m.adopt(ctx, sess)
}

// adopt instantiates an actor for a loaded/created session record, claims
// the lease, and registers it in the cache.
func (m *Manager) adopt(ctx context.Context, sess *domain.Session) (*sessionactor.Actor, error) {
	expires := time.Now().Add(m.cfg.LeaseTimeout)
	if err := m.repo.UpdateSessionLease(ctx, sess.ID, m.cfg.GatewayID, expires); err != nil {
		m.logger.Warn("sessionmgr: lease claim failed", "session_id", sess.ID, "error", err)
	}
	sess.LeaseOwner = m.cfg.GatewayID
	sess.LeaseExpiresAt = expires

	actor := sessionactor.New(sess, sessionactor.Config{
		MaxRecentEvents: m.cfg.MaxRecentEvents,
		IdleTimeout:     m.cfg.IdleTimeout,
		Persist:         m.persist,
		OnStatusChange:  m.onActorStatusChange,
		Logger:          m.logger,
	})

	m.mu.Lock()
	m.actors[sess.ID] = actor
	m.mu.Unlock()

	return actor, nil
}

func (m *Manager) onActorStatusChange(sessionID string, status domain.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.SetStatus(ctx, sessionID, status, time.Now()); err != nil {
		m.logger.Warn("sessionmgr: failed to persist status change", "session_id", sessionID, "status", status, "error", err)
	}
}

// RemoveSession destroys the actor, removes it from the cache, and
// releases the lease.
func (m *Manager) RemoveSession(ctx context.Context, id string) {
	m.mu.Lock()
	actor, ok := m.actors[id]
	if ok {
		delete(m.actors, id)
	}
	m.mu.Unlock()

	if ok {
		actor.Destroy()
	}

	if err := m.repo.ReleaseSessionLease(ctx, id); err != nil {
		m.logger.Warn("sessionmgr: failed to release lease", "session_id", id, "error", err)
	}
}

func (m *Manager) lookup(id string) (*sessionactor.Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	return a, ok
}

// ByID returns the cached actor for id, if any.
func (m *Manager) ByID(id string) (*sessionactor.Actor, bool) {
	return m.lookup(id)
}

// ByUser returns the cached actors whose session id is in ids, in the
// order of ids. It does not filter by user id: the caller supplies the
// session ids it already knows belong to the user (for example from
// durable session records), and ids with no locally hosted actor are
// skipped.
func (m *Manager) ByUser(ids []string) []*sessionactor.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*sessionactor.Actor, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.actors[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// All returns every locally hosted actor.
func (m *Manager) All() []*sessionactor.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*sessionactor.Actor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a)
	}
	return out
}

// Count returns the number of locally hosted actors.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}

// StartLeaseRefresh begins the periodic lease-renewal task: every
// LeaseRefreshInterval, it renews the expiry for every locally hosted
// session. Loss of a single round trip is logged but not fatal; the next
// tick retries.
func (m *Manager) StartLeaseRefresh(ctx context.Context) {
	m.stopRefresh = make(chan struct{})
	m.refreshDone = make(chan struct{})

	go func() {
		defer close(m.refreshDone)
		ticker := time.NewTicker(m.cfg.LeaseRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopRefresh:
				return
			case <-ticker.C:
				m.refreshLeases(ctx)
			}
		}
	}()
}

func (m *Manager) refreshLeases(ctx context.Context) {
	expires := time.Now().Add(m.cfg.LeaseTimeout)
	for _, a := range m.All() {
		if err := m.repo.UpdateSessionLease(ctx, a.SessionID(), m.cfg.GatewayID, expires); err != nil {
			m.logger.Warn("sessionmgr: lease refresh failed", "session_id", a.SessionID(), "error", err)
			continue
		}
	}
}

// StopLeaseRefresh halts the periodic lease-renewal task and waits for it
// to exit.
func (m *Manager) StopLeaseRefresh() {
	if m.stopRefresh == nil {
		return
	}
	close(m.stopRefresh)
	<-m.refreshDone
}
