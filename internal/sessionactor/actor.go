// Package sessionactor implements the in-process owner of one session's
// state: the sole writer of its event log, the holder of its status state
// machine, and the fan-out point to its subscribers.
package sessionactor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
)

// PersistFunc hands a freshly sequenced event to the persistence layer.
// The actor never waits on this call — it is expected to be fire-and-forget
// (e.g. a bounded queue's Enqueue).
type PersistFunc func(ev domain.Event)

// StatusChangeFunc notifies the owning manager of a durable status
// transition, so it can be recorded in storage.
type StatusChangeFunc func(sessionID string, status domain.SessionStatus)

// Config carries the actor's tunable parameters and injected callbacks.
type Config struct {
	MaxRecentEvents int
	IdleTimeout     time.Duration
	Persist         PersistFunc
	OnStatusChange  StatusChangeFunc
	Logger          *slog.Logger
}

// Actor owns one session's in-process state. All mutating operations are
// serialized under mu: nextSeq assignment, recent-events append,
// subscriber-set mutation, and fan-out form a single logical critical
// section, per session.
type Actor struct {
	mu sync.Mutex

	session *domain.Session
	nextSeq int64
	recent  *RingBuffer[domain.Event]
	subs    map[string]*domain.Subscriber

	idleTimeout time.Duration
	idleTimer   *time.Timer
	destroyed   bool

	persist        PersistFunc
	onStatusChange StatusChangeFunc
	logger         *slog.Logger
}

// New constructs an actor for an already-loaded session record. nextSeq
// resumes from session.NextSeq, which the store computes as one past the
// highest durably persisted seq.
func New(session *domain.Session, cfg Config) *Actor {
	if cfg.MaxRecentEvents <= 0 {
		cfg.MaxRecentEvents = 1000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Actor{
		session:        session,
		nextSeq:        session.NextSeq,
		recent:         NewRingBuffer[domain.Event](cfg.MaxRecentEvents),
		subs:           make(map[string]*domain.Subscriber),
		idleTimeout:    cfg.IdleTimeout,
		persist:        cfg.Persist,
		onStatusChange: cfg.OnStatusChange,
		logger:         logger,
	}
	if a.nextSeq < 1 {
		a.nextSeq = 1
	}
	return a
}

// SessionID returns the owned session's id.
func (a *Actor) SessionID() string {
	return a.session.ID
}

// Status returns the current status, safe for concurrent reads.
func (a *Actor) Status() domain.SessionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Status
}

// SubscriberCount reports how many subscribers are currently attached.
func (a *Actor) SubscriberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// setStatusLocked updates status and, if it changed, emits a system/state
// event and notifies the status callback. Idempotent w.r.t. the observed
// state: no event is emitted if the status is unchanged. Must be called
// with mu held.
func (a *Actor) setStatusLocked(newStatus domain.SessionStatus, reason string) {
	prev := a.session.Status
	if prev == newStatus {
		return
	}
	a.session.Status = newStatus

	a.emitLocked(domain.DirectionSystem, domain.EventState, map[string]any{
		"status":         newStatus,
		"reason":         reason,
		"previousStatus": prev,
	})

	if a.onStatusChange != nil {
		a.onStatusChange(a.session.ID, newStatus)
	}
}

// SetStatus updates status under the actor's lock. Exported for callers
// outside the actor, such as the gateway front end on a stop request or a
// failed agent start, without reaching into actor internals.
func (a *Actor) SetStatus(newStatus domain.SessionStatus, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setStatusLocked(newStatus, reason)
}

// emitLocked assigns the next sequence number, appends to the recent-events
// buffer, hands the record to the persistence callback, and fans it out to
// subscribers. Must be called with mu held; this is the single logical
// critical section the sequencing algorithm depends on.
func (a *Actor) emitLocked(direction domain.EventDirection, typ domain.EventType, payload map[string]any) domain.Event {
	ev := domain.Event{
		SessionID: a.session.ID,
		Seq:       a.nextSeq,
		Direction: direction,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	a.nextSeq++

	a.recent.Push(ev)

	if a.persist != nil {
		a.persist(ev)
	}

	a.fanOutLocked(ev)

	return ev
}

// fanOutLocked sends the serialized event to every subscriber whose sink
// reports open. A send failure on one subscriber does not block the
// others and is never surfaced as a session-level error.
func (a *Actor) fanOutLocked(ev domain.Event) {
	msg := wireEvent{
		Type:      "event",
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		EventType: ev.Type,
		Direction: ev.Direction,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
	for clientID, sub := range a.subs {
		if !sub.Sink.IsOpen() {
			continue
		}
		if err := sub.Sink.Send(msg); err != nil {
			a.logger.Debug("sessionactor: fan-out send failed", "session_id", ev.SessionID, "client_id", clientID, "error", err)
		}
	}
}

type wireEvent struct {
	Type      string                `json:"type"`
	SessionID string                `json:"sessionId"`
	Seq       int64                 `json:"seq"`
	EventType domain.EventType      `json:"eventType"`
	Direction domain.EventDirection `json:"direction"`
	Payload   map[string]any        `json:"payload"`
	CreatedAt time.Time             `json:"createdAt"`
}

// AttachSubscriber registers a subscriber and returns events with
// seq > lastAckSeq still present in the recent-events buffer, in
// increasing seq order, so the client can catch up. If status was idle,
// it transitions to running with reason subscriber_attached.
func (a *Actor) AttachSubscriber(clientID string, sink domain.Sink, lastAckSeq int64) []domain.Event {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.subs[clientID] = &domain.Subscriber{
		ClientID:     clientID,
		Sink:         sink,
		LastAckSeq:   lastAckSeq,
		SubscribedAt: time.Now(),
	}

	a.stopIdleTimerLocked()

	if a.session.Status == domain.StatusIdle {
		a.setStatusLocked(domain.StatusRunning, "subscriber_attached")
	}

	return a.recent.Since(lastAckSeq, func(ev domain.Event) int64 { return ev.Seq })
}

// DetachSubscriber removes a subscriber. If the subscriber set becomes
// empty and status is running, the idle timer is armed.
func (a *Actor) DetachSubscriber(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.subs, clientID)

	if len(a.subs) == 0 && a.session.Status == domain.StatusRunning {
		a.armIdleTimerLocked()
	}
}

// armIdleTimerLocked starts (or restarts) the idle timer. Must be called
// with mu held.
func (a *Actor) armIdleTimerLocked() {
	a.stopIdleTimerLocked()
	a.idleTimer = time.AfterFunc(a.idleTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.destroyed {
			return
		}
		if len(a.subs) == 0 && a.session.Status == domain.StatusRunning {
			a.setStatusLocked(domain.StatusIdle, "no_subscribers_timeout")
		}
	})
}

func (a *Actor) stopIdleTimerLocked() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

// UpdateAck advances a subscriber's lastAckSeq if seq is greater.
func (a *Actor) UpdateAck(clientID string, seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sub, ok := a.subs[clientID]; ok && seq > sub.LastAckSeq {
		sub.LastAckSeq = seq
	}
}

// HandleInput records a client/input event and returns its assigned seq.
// The caller is expected to reply input_ack carrying that seq.
func (a *Actor) HandleInput(data, clientInputID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev := a.emitLocked(domain.DirectionClient, domain.EventInput, map[string]any{
		"data":          data,
		"clientInputId": clientInputID,
	})
	return ev.Seq
}

// HandleAgentOutput records an agent/output_chunk event and fans it out.
func (a *Actor) HandleAgentOutput(data, stream string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(domain.DirectionAgent, domain.EventOutputChunk, map[string]any{
		"data":   data,
		"stream": stream,
	})
}

// HandleMessageFinal records an agent/message_final event.
func (a *Actor) HandleMessageFinal(content, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(domain.DirectionAgent, domain.EventMessageFinal, map[string]any{
		"content": content,
		"role":    role,
	})
}

// HandleToolCall records an agent/tool_call event.
func (a *Actor) HandleToolCall(toolCallID, name, arguments string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(domain.DirectionAgent, domain.EventToolCall, map[string]any{
		"toolCallId": toolCallID,
		"name":       name,
		"arguments":  arguments,
	})
}

// HandleToolResult records an agent/tool_result event.
func (a *Actor) HandleToolResult(toolCallID, result string, isError bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(domain.DirectionAgent, domain.EventToolResult, map[string]any{
		"toolCallId": toolCallID,
		"result":     result,
		"isError":    isError,
	})
}

// HandleAgentExit derives a termination reason from the exit code/signal
// and transitions status accordingly: stopped on a clean exit, error
// otherwise.
func (a *Actor) HandleAgentExit(code int, signal string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if signal != "" {
		a.setStatusLocked(domain.StatusError, fmt.Sprintf("signal_%s", signal))
		return
	}
	if code == 0 {
		a.setStatusLocked(domain.StatusStopped, "exit_code_0")
		return
	}
	a.setStatusLocked(domain.StatusError, fmt.Sprintf("exit_code_%d", code))
}

// LatestSeq returns the most recently assigned sequence number, or 0 if
// none has been assigned yet.
func (a *Actor) LatestSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextSeq - 1
}

// Destroy clears timers, and drops the subscriber set. Subscriber sinks are
// not owned by the actor — the gateway front end closes the underlying
// transport when tearing down the connection.
func (a *Actor) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.stopIdleTimerLocked()
	a.subs = make(map[string]*domain.Subscriber)
}
