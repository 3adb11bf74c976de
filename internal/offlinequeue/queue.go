// Package offlinequeue is the client-side durable mirror of user intents:
// actions that failed while offline (or while a handler errored) are
// retried with exponential backoff and flushed when connectivity returns.
// It is a mirror-image correctness problem of the persistence writer: the
// actor side is append-only and fire-and-forget, while this side must
// retry until success or a hard limit.
package offlinequeue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ashureev/agentgateway/internal/domain"
)

// ErrActionNotFound is returned by RetryFailedAction for an unknown id.
var ErrActionNotFound = errors.New("offlinequeue: action not found")

// Handler performs the side effect for one action kind (e.g. posting a
// reply to a session). A non-nil error counts as a retryable failure.
type Handler func(ctx context.Context, action domain.QueuedAction) error

// Config carries the queue's retry bounds.
type Config struct {
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// Storage persists the flat ordered list of queued actions. Persistence
// granularity is whole-list, per the source design notes; any
// implementation must preserve enqueue order.
type Storage interface {
	SaveAll(ctx context.Context, actions []domain.QueuedAction) error
	LoadAll(ctx context.Context) ([]domain.QueuedAction, error)
}

type entry struct {
	action  domain.QueuedAction
	backoff *backoff.ExponentialBackOff
}

// Queue is the single worker that processes pending actions, guarded by a
// processing flag to serialize work.
type Queue struct {
	cfg      Config
	storage  Storage
	handlers map[domain.ActionKind]Handler
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // preserves enqueue order

	online     atomic.Bool
	processing atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a Queue. Register handlers with RegisterHandler before
// calling StartQueueProcessing.
func New(cfg Config, storage Storage, logger *slog.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		cfg:      cfg,
		storage:  storage,
		handlers: make(map[domain.ActionKind]Handler),
		entries:  make(map[string]*entry),
		logger:   logger,
	}
	q.online.Store(true)
	return q
}

// RegisterHandler wires the handler invoked for a given action kind.
func (q *Queue) RegisterHandler(kind domain.ActionKind, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// newBackOff builds the per-action exponential sequence. It is primed with
// one throwaway NextBackOff call so that the k-th *failure* (not the k-th
// call) reads off INITIAL*2^k: ExponentialBackOff returns InitialInterval on
// its own first call and only doubles afterward, which is one step behind
// retryCount once onFailure has already incremented it.
func (q *Queue) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialRetryDelay
	b.MaxInterval = q.cfg.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// ExponentialBackOff has no elapsed-time limit; retries are bounded by MaxRetries.
	b.NextBackOff()
	return b
}

// EnqueueAction persists a pending action with retryCount=0,
// nextRetryAt=now, and returns its id.
func (q *Queue) EnqueueAction(kind domain.ActionKind, payload map[string]any) string {
	id := uuid.NewString()
	now := time.Now()

	q.mu.Lock()
	q.entries[id] = &entry{
		action: domain.QueuedAction{
			ID:          id,
			Kind:        kind,
			Payload:     payload,
			CreatedAt:   now,
			NextRetryAt: now,
			Status:      domain.ActionPending,
		},
		backoff: q.newBackOff(),
	}
	q.order = append(q.order, id)
	q.mu.Unlock()

	q.persist(context.Background())
	return id
}

// RetryFailedAction resets retry count and nextRetryAt for one failed
// item, making it eligible for processing again.
func (q *Queue) RetryFailedAction(id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ErrActionNotFound
	}
	e.action.Status = domain.ActionPending
	e.action.RetryCount = 0
	e.action.NextRetryAt = time.Now()
	e.action.LastError = ""
	e.backoff = q.newBackOff()
	q.mu.Unlock()

	q.persist(context.Background())
	return nil
}

// RetryAllFailed resets every failed item for reprocessing.
func (q *Queue) RetryAllFailed() {
	q.mu.Lock()
	now := time.Now()
	for _, e := range q.entries {
		if e.action.Status == domain.ActionFailed {
			e.action.Status = domain.ActionPending
			e.action.RetryCount = 0
			e.action.NextRetryAt = now
			e.action.LastError = ""
			e.backoff = q.newBackOff()
		}
	}
	q.mu.Unlock()

	q.persist(context.Background())
}

// SetOnline notifies the queue of a connectivity transition. Transitioning
// to connected triggers an immediate processing pass.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	wasOffline := !q.online.Swap(online)
	if online && wasOffline {
		q.ProcessOnce(ctx)
	}
}

// StartQueueProcessing begins the periodic processing loop, driven by a
// timer that re-arms to the earliest pending nextRetryAt after each pass.
func (q *Queue) StartQueueProcessing(ctx context.Context) {
	q.stop = make(chan struct{})
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		timer := time.NewTimer(q.cfg.InitialRetryDelay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-timer.C:
				q.ProcessOnce(ctx)
				timer.Reset(q.nextWakeInterval())
			}
		}
	}()
}

// StopQueueProcessing halts the loop and waits for it to exit.
func (q *Queue) StopQueueProcessing() {
	if q.stop == nil {
		return
	}
	close(q.stop)
	<-q.done
}

// nextWakeInterval picks a timer duration for the next processing pass:
// the time until the earliest pending nextRetryAt, bounded below by a
// small floor to avoid a busy loop.
func (q *Queue) nextWakeInterval() time.Duration {
	const floor = 100 * time.Millisecond
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	now := time.Now()
	for _, e := range q.entries {
		if e.action.Status != domain.ActionPending {
			continue
		}
		if earliest.IsZero() || e.action.NextRetryAt.Before(earliest) {
			earliest = e.action.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return q.cfg.MaxRetryDelay
	}
	d := earliest.Sub(now)
	if d < floor {
		return floor
	}
	return d
}

// ProcessOnce runs a single processing pass: if offline, it returns
// immediately; otherwise it selects every pending action whose
// nextRetryAt has elapsed and invokes its handler. Guarded by the
// processing flag so only one pass runs at a time.
func (q *Queue) ProcessOnce(ctx context.Context) {
	if !q.online.Load() {
		return
	}
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	defer q.processing.Store(false)

	now := time.Now()
	due := q.dueActions(now)

	for _, id := range due {
		q.processAction(ctx, id)
	}

	if len(due) > 0 {
		q.persist(ctx)
	}
}

func (q *Queue) dueActions(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok || e.action.Status != domain.ActionPending {
			continue
		}
		if !e.action.NextRetryAt.After(now) {
			due = append(due, id)
		}
	}
	return due
}

func (q *Queue) processAction(ctx context.Context, id string) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	e.action.Status = domain.ActionProcessing
	action := e.action
	handler := q.handlers[action.Kind]
	q.mu.Unlock()

	if handler == nil {
		q.logger.Warn("offlinequeue: no handler registered for action kind", "kind", action.Kind, "id", id)
		q.onFailure(id, errors.New("no handler registered"))
		return
	}

	if err := handler(ctx, action); err != nil {
		q.onFailure(id, err)
		return
	}

	q.mu.Lock()
	delete(q.entries, id)
	q.removeFromOrderLocked(id)
	q.mu.Unlock()
}

func (q *Queue) removeFromOrderLocked(id string) {
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// onFailure increments retryCount; at MAX_RETRIES the action transitions
// to failed with nextRetryAt cleared, otherwise nextRetryAt is set via the
// per-action exponential backoff (min(INITIAL*2^k, MAX)).
func (q *Queue) onFailure(id string, handlerErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return
	}

	e.action.RetryCount++
	e.action.LastRetryAt = time.Now()
	e.action.LastError = handlerErr.Error()

	if e.action.RetryCount >= q.cfg.MaxRetries {
		e.action.Status = domain.ActionFailed
		e.action.NextRetryAt = time.Time{}
		q.logger.Warn("offlinequeue: action failed after max retries", "id", id, "kind", e.action.Kind, "retries", e.action.RetryCount)
		return
	}

	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = q.cfg.MaxRetryDelay
	}
	e.action.Status = domain.ActionPending
	e.action.NextRetryAt = e.action.LastRetryAt.Add(delay)
}

// persist saves the whole ordered list, swallowing errors into a log
// line: the queue's durability is best-effort on top of a caller-supplied
// Storage, and a save failure does not block further processing.
func (q *Queue) persist(ctx context.Context) {
	if q.storage == nil {
		return
	}
	q.mu.Lock()
	snapshot := make([]domain.QueuedAction, 0, len(q.order))
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok {
			snapshot = append(snapshot, e.action)
		}
	}
	q.mu.Unlock()

	if err := q.storage.SaveAll(ctx, snapshot); err != nil {
		q.logger.Warn("offlinequeue: failed to persist queue", "error", err)
	}
}

// LoadFromStorage restores queued actions from Storage, e.g. on client
// startup after a restart. Existing in-memory entries are replaced.
func (q *Queue) LoadFromStorage(ctx context.Context) error {
	if q.storage == nil {
		return nil
	}
	actions, err := q.storage.LoadAll(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*entry, len(actions))
	q.order = make([]string, 0, len(actions))
	for _, a := range actions {
		q.entries[a.ID] = &entry{action: a, backoff: q.newBackOff()}
		q.order = append(q.order, a.ID)
	}
	return nil
}

// Get returns a snapshot of one queued action, for the queue view.
func (q *Queue) Get(id string) (domain.QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return domain.QueuedAction{}, false
	}
	return e.action, true
}

// All returns a snapshot of every queued action in enqueue order.
func (q *Queue) All() []domain.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedAction, 0, len(q.order))
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok {
			out = append(out, e.action)
		}
	}
	return out
}
