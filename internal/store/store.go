// Package store provides the durable storage callback contract for the
// session gateway and a SQLite-backed implementation of it. The contract is
// deliberately narrow: the session runtime never issues ad-hoc queries, only
// the operations below.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
)

// ErrSessionNotFound is returned by LoadSession when no record exists.
var ErrSessionNotFound = errors.New("store: session not found")

// Repository is the storage callback contract consumed by the session
// manager, the persistence writer, and the cleanup loop.
type Repository interface {
	// LoadSession retrieves a session record by id, or ErrSessionNotFound.
	LoadSession(ctx context.Context, id string) (*domain.Session, error)

	// CreateSession creates a new durable session record.
	CreateSession(ctx context.Context, cfg domain.NewSessionConfig) (*domain.Session, error)

	// UpdateSessionLease claims or renews the lease for a session.
	UpdateSessionLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error

	// ReleaseSessionLease clears lease ownership, making the session
	// immediately claimable by any gateway.
	ReleaseSessionLease(ctx context.Context, sessionID string) error

	// PersistEvents durably appends a batch of events in order. The caller
	// (the persistence writer) does not retry a failed batch; it hands it to
	// its error callback.
	PersistEvents(ctx context.Context, events []domain.Event) error

	// SetStatus records a new session status durably.
	SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus, lastActivity time.Time) error

	// TouchActivity records that a session saw activity at the given time,
	// used by the idle sweep.
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error

	// GetStaleSessionIds returns ids of sessions whose lease expired before
	// the given cutoff.
	GetStaleSessionIds(ctx context.Context, cutoff time.Time) ([]string, error)

	// GetIdleSessions returns ids of sessions with no activity since cutoff.
	GetIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)

	// GetOldSessions returns ids of sessions created before cutoff.
	GetOldSessions(ctx context.Context, cutoff time.Time) ([]string, error)

	// MarkSessionStopped marks a session stopped for the given reason,
	// independent of any in-process actor.
	MarkSessionStopped(ctx context.Context, sessionID, reason string) error

	// DeleteOldEvents purges event history for the given sessions. Whether
	// this actually deletes rows or only marks them for deletion is a
	// storage-side policy decision.
	DeleteOldEvents(ctx context.Context, sessionIDs []string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}
