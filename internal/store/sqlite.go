package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
	"github.com/ashureev/agentgateway/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_kind TEXT NOT NULL,
		working_dir TEXT NOT NULL,
		worktree_id TEXT,
		repository_id TEXT,
		title TEXT,
		status TEXT NOT NULL,
		lease_owner TEXT,
		lease_expires_at INTEGER,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_lease ON sessions(lease_expires_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withRetry calls fn up to maxRetries times in all, with exponential backoff
// between attempts, while it fails with a SQLite concurrency conflict. Generalized from the
// teacher's per-call retry helpers into a single shared one.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	const baseDelay = 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(lastErr) {
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("store: retrying after SQLite conflict", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var worktreeID, repositoryID, title, leaseOwner sql.NullString
	var leaseExpiresAt sql.NullInt64
	var createdAt, lastActivityAt int64

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.AgentKind, &sess.WorkingDir,
		&worktreeID, &repositoryID, &title, &sess.Status,
		&leaseOwner, &leaseExpiresAt, &createdAt, &lastActivityAt,
	)
	if err != nil {
		return nil, err
	}

	sess.WorktreeID = worktreeID.String
	sess.RepositoryID = repositoryID.String
	sess.Title = title.String
	sess.LeaseOwner = leaseOwner.String
	if leaseExpiresAt.Valid {
		sess.LeaseExpiresAt = time.Unix(leaseExpiresAt.Int64, 0)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivityAt = time.Unix(lastActivityAt, 0)

	return &sess, nil
}

const sessionColumns = `id, user_id, agent_kind, working_dir, worktree_id, repository_id,
		       title, status, lease_owner, lease_expires_at, created_at, last_activity_at`

// LoadSession retrieves a session record by id. NextSeq is reconstructed
// from the durable event log rather than tracked as a separate column: the
// actor's in-memory counter is the authoritative source while it is alive,
// and on (re)load after a crash or handover, resuming one past the highest
// durably persisted seq is the only value the gateway can trust.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM session_events WHERE session_id = ?`, id).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("compute resume seq: %w", err)
	}
	sess.NextSeq = maxSeq.Int64 + 1

	return sess, nil
}

// CreateSession creates a new durable session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, cfg domain.NewSessionConfig) (*domain.Session, error) {
	now := time.Now()
	sess := &domain.Session{
		ID:             cfg.ID,
		UserID:         cfg.UserID,
		AgentKind:      cfg.AgentKind,
		WorkingDir:     cfg.WorkingDir,
		WorktreeID:     cfg.WorktreeID,
		RepositoryID:   cfg.RepositoryID,
		Title:          cfg.Title,
		Status:         domain.StatusProvisioning,
		NextSeq:        1,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	query := `
	INSERT INTO sessions (id, user_id, agent_kind, working_dir, worktree_id, repository_id,
		title, status, created_at, last_activity_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := withRetry(ctx, "create session", func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			sess.ID, sess.UserID, sess.AgentKind, sess.WorkingDir,
			nullable(sess.WorktreeID), nullable(sess.RepositoryID), nullable(sess.Title),
			sess.Status, sess.CreatedAt.Unix(), sess.LastActivityAt.Unix(),
		)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// UpdateSessionLease claims or renews the lease for a session.
func (s *SQLiteStore) UpdateSessionLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error {
	query := `UPDATE sessions SET lease_owner = ?, lease_expires_at = ? WHERE id = ?`
	return withRetry(ctx, "update session lease", func() error {
		_, err := s.db.ExecContext(ctx, query, gatewayID, expiresAt.Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("update session lease: %w", err)
		}
		return nil
	})
}

// ReleaseSessionLease clears lease ownership.
func (s *SQLiteStore) ReleaseSessionLease(ctx context.Context, sessionID string) error {
	query := `UPDATE sessions SET lease_owner = NULL, lease_expires_at = NULL WHERE id = ?`
	return withRetry(ctx, "release session lease", func() error {
		_, err := s.db.ExecContext(ctx, query, sessionID)
		if err != nil {
			return fmt.Errorf("release session lease: %w", err)
		}
		return nil
	})
}

// PersistEvents durably appends a batch of events in enqueue order.
func (s *SQLiteStore) PersistEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	return withRetry(ctx, "persist events", func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO session_events (session_id, seq, direction, type, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, seq) DO NOTHING`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, ev := range events {
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, ev.SessionID, ev.Seq, ev.Direction, ev.Type, payload, ev.CreatedAt.Unix()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// SetStatus records a new session status durably.
func (s *SQLiteStore) SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus, lastActivity time.Time) error {
	query := `UPDATE sessions SET status = ?, last_activity_at = ? WHERE id = ?`
	return withRetry(ctx, "set status", func() error {
		_, err := s.db.ExecContext(ctx, query, status, lastActivity.Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		return nil
	})
}

// TouchActivity records that a session saw activity at the given time.
func (s *SQLiteStore) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE sessions SET last_activity_at = ? WHERE id = ?`
	return withRetry(ctx, "touch activity", func() error {
		_, err := s.db.ExecContext(ctx, query, at.Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("touch activity: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("store: failed to close rows", "error", closeErr)
		}
	}()

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

// GetStaleSessionIds returns ids of sessions whose lease expired before cutoff.
func (s *SQLiteStore) GetStaleSessionIds(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT id FROM sessions
		WHERE lease_expires_at IS NOT NULL AND lease_expires_at < ?
		AND status NOT IN (?, ?)`,
		cutoff.Unix(), domain.StatusStopped, domain.StatusError)
	if err != nil {
		return nil, fmt.Errorf("get stale session ids: %w", err)
	}
	return ids, nil
}

// GetIdleSessions returns ids of sessions with no activity since cutoff.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT id FROM sessions
		WHERE last_activity_at < ? AND status NOT IN (?, ?)`,
		cutoff.Unix(), domain.StatusStopped, domain.StatusError)
	if err != nil {
		return nil, fmt.Errorf("get idle sessions: %w", err)
	}
	return ids, nil
}

// GetOldSessions returns ids of sessions created before cutoff.
func (s *SQLiteStore) GetOldSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.queryIDs(ctx, `SELECT id FROM sessions WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("get old sessions: %w", err)
	}
	return ids, nil
}

// MarkSessionStopped marks a session stopped for the given reason.
func (s *SQLiteStore) MarkSessionStopped(ctx context.Context, sessionID, reason string) error {
	query := `UPDATE sessions SET status = ?, lease_owner = NULL, lease_expires_at = NULL WHERE id = ?`
	err := withRetry(ctx, "mark session stopped", func() error {
		_, err := s.db.ExecContext(ctx, query, domain.StatusStopped, sessionID)
		if err != nil {
			return fmt.Errorf("mark session stopped: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("store: session marked stopped", "session_id", sessionID, "reason", reason)
	return nil
}

// DeleteOldEvents purges event history for the given sessions.
func (s *SQLiteStore) DeleteOldEvents(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	return withRetry(ctx, "delete old events", func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `DELETE FROM session_events WHERE session_id = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, id := range sessionIDs {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
