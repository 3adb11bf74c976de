// Package gateway is the front end that accepts WebSocket connections,
// drives the per-connection protocol state machine, routes client messages
// to the session manager/actor, and serializes server messages back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentgateway/internal/agentproc"
	"github.com/ashureev/agentgateway/internal/domain"
	"github.com/ashureev/agentgateway/internal/identity"
	"github.com/ashureev/agentgateway/internal/sessionmgr"
)

// AgentRunner launches and drives the external agent process behind a
// session. It is implemented by *agentproc.Supervisor; the interface seam
// lets the gateway run with no live agent process wired in (runner == nil)
// for tests and for deployments where sessions are driven some other way.
type AgentRunner interface {
	Start(ctx context.Context, sessionID, agentKind, workingDir string, env map[string]string, sink agentproc.OutputSink) error
	WriteInput(sessionID, data string) error
	Stop(ctx context.Context, sessionID string) error
}

// Handler upgrades HTTP requests to WebSocket connections and runs the
// protocol state machine for each one.
type Handler struct {
	mgr               *sessionmgr.Manager
	resolver          identity.Resolver
	heartbeatInterval time.Duration
	allowedOrigin     string
	isDev             bool
	runner            AgentRunner
	logger            *slog.Logger
}

// New constructs a Handler. runner may be nil, in which case created
// sessions have no live agent process attached.
func New(mgr *sessionmgr.Manager, resolver identity.Resolver, heartbeatInterval time.Duration, allowedOrigin string, isDev bool, runner AgentRunner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		mgr:               mgr,
		resolver:          resolver,
		heartbeatInterval: heartbeatInterval,
		allowedOrigin:     allowedOrigin,
		isDev:             isDev,
		runner:            runner,
		logger:            logger,
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("gateway: origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ServeHTTP implements http.Handler for the WebSocket upgrade endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Error("gateway: failed to accept websocket", "error", err)
		return
	}

	conn := &connState{
		handler:       h,
		ws:            ws,
		sink:          newWSSink(ws, h.logger),
		subscriptions: make(map[string]struct{}),
	}
	defer conn.teardown()

	conn.run(r.Context())
}

// connState holds the per-connection protocol state: Unauthenticated until
// a successful hello, Ready thereafter.
type connState struct {
	handler *Handler
	ws      *websocket.Conn
	sink    *wsSink

	mu            sync.Mutex
	ready         bool
	clientID      string
	userID        string
	subscriptions map[string]struct{} // sessionId set this connection subscribes to
}

func (c *connState) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.handler.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx)
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.handler.logger.Debug("gateway: connection closed by client")
			} else {
				c.handler.logger.Debug("gateway: read error", "error", err)
			}
			return
		}

		if err := c.dispatch(ctx, data); err != nil {
			if errors.Is(err, errFatalProtocol) {
				return
			}
		}
	}
}

var errFatalProtocol = errors.New("gateway: fatal protocol error")

func (c *connState) dispatch(ctx context.Context, data []byte) error {
	typ, err := decodeType(data)
	if err != nil {
		c.sendError("BAD_MESSAGE", "invalid json frame", "", false)
		c.sink.Close(websocket.StatusProtocolError, "bad message")
		return errFatalProtocol
	}

	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	if !ready {
		if typ != "hello" {
			c.sendError("UNAUTHENTICATED", "first message must be hello", "", false)
			c.sink.Close(websocket.StatusPolicyViolation, "unauthenticated")
			return errFatalProtocol
		}
		return c.handleHello(ctx, data)
	}

	switch typ {
	case "subscribe":
		return c.handleSubscribe(ctx, data)
	case "unsubscribe":
		return c.handleUnsubscribe(ctx, data)
	case "input":
		return c.handleInput(ctx, data)
	case "ack":
		return c.handleAck(data)
	case "ping":
		return c.handlePing(data)
	case "create_session":
		return c.handleCreateSession(ctx, data)
	case "stop_session":
		return c.handleStopSession(ctx, data)
	default:
		c.sendError("BAD_MESSAGE", "unrecognized message type in ready state", "", true)
		return nil
	}
}

func (c *connState) handleHello(ctx context.Context, data []byte) error {
	var msg helloMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed hello", "", false)
		c.sink.Close(websocket.StatusProtocolError, "bad hello")
		return errFatalProtocol
	}

	userID, err := c.handler.resolver.Resolve(ctx, msg.Token)
	if err != nil {
		c.sendError("UNAUTHENTICATED", "token rejected", "", false)
		c.sink.Close(websocket.StatusPolicyViolation, "invalid token")
		return errFatalProtocol
	}

	c.mu.Lock()
	c.ready = true
	c.clientID = msg.ClientID
	c.userID = userID
	c.mu.Unlock()

	c.send(helloOKMsg{
		Type:                "hello_ok",
		GatewayTime:         time.Now().UTC().Format(time.RFC3339Nano),
		HeartbeatIntervalMs: c.handler.heartbeatInterval.Milliseconds(),
		UserID:              userID,
	})
	return nil
}

func (c *connState) handleSubscribe(ctx context.Context, data []byte) error {
	var msg subscribeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed subscribe", "", true)
		return nil
	}

	actor, err := c.handler.mgr.GetOrLoadSession(ctx, msg.SessionID)
	if errors.Is(err, sessionmgr.ErrSessionNotFound) {
		c.sendError("SESSION_NOT_FOUND", "no such session", msg.SessionID, false)
		return nil
	}
	if err != nil {
		c.sendError("INTERNAL", err.Error(), msg.SessionID, true)
		return nil
	}

	catchUp := actor.AttachSubscriber(c.clientID, c.sink, msg.LastAckSeq)

	c.mu.Lock()
	c.subscriptions[msg.SessionID] = struct{}{}
	c.mu.Unlock()

	c.send(subscribedMsg{
		Type:         "subscribed",
		SessionID:    msg.SessionID,
		CurrentState: string(actor.Status()),
		LatestSeq:    actor.LatestSeq(),
	})

	for _, ev := range catchUp {
		c.send(toWireEvent(ev))
	}
	return nil
}

func (c *connState) handleUnsubscribe(ctx context.Context, data []byte) error {
	var msg unsubscribeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed unsubscribe", "", true)
		return nil
	}

	if actor, ok := c.handler.mgr.ByID(msg.SessionID); ok {
		actor.DetachSubscriber(c.clientID)
	}

	c.mu.Lock()
	delete(c.subscriptions, msg.SessionID)
	c.mu.Unlock()

	c.send(unsubscribedMsg{Type: "unsubscribed", SessionID: msg.SessionID})
	return nil
}

func (c *connState) handleInput(ctx context.Context, data []byte) error {
	var msg inputMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed input", "", true)
		return nil
	}

	actor, ok := c.handler.mgr.ByID(msg.SessionID)
	if !ok {
		c.sendError("SESSION_NOT_FOUND", "no such session", msg.SessionID, false)
		return nil
	}

	seq := actor.HandleInput(msg.Data, msg.ClientInputID)
	if c.handler.runner != nil {
		if err := c.handler.runner.WriteInput(msg.SessionID, msg.Data); err != nil {
			c.handler.logger.Debug("gateway: failed to forward input to agent process", "session_id", msg.SessionID, "error", err)
		}
	}
	c.send(inputAckMsg{
		Type:          "input_ack",
		SessionID:     msg.SessionID,
		ClientInputID: msg.ClientInputID,
		AcceptedSeq:   seq,
	})
	return nil
}

func (c *connState) handleAck(data []byte) error {
	var msg ackMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed ack", "", true)
		return nil
	}
	if actor, ok := c.handler.mgr.ByID(msg.SessionID); ok {
		actor.UpdateAck(c.clientID, msg.Seq)
	}
	return nil
}

func (c *connState) handlePing(data []byte) error {
	var msg pingMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed ping", "", true)
		return nil
	}
	c.send(pongMsg{Type: "pong", Ts: msg.Ts})
	return nil
}

func (c *connState) handleCreateSession(ctx context.Context, data []byte) error {
	var msg createSessionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed create_session", "", true)
		return nil
	}

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	actor, err := c.handler.mgr.CreateSession(ctx, domain.NewSessionConfig{
		UserID:       userID,
		AgentKind:    msg.AgentType,
		WorkingDir:   msg.WorkingDirectory,
		WorktreeID:   msg.WorktreeID,
		RepositoryID: msg.RepositoryID,
		Title:        msg.Title,
	})
	if err != nil {
		c.sendError("INTERNAL", err.Error(), "", true)
		return nil
	}

	if c.handler.runner != nil {
		if err := c.handler.runner.Start(ctx, actor.SessionID(), msg.AgentType, msg.WorkingDirectory, nil, actor); err != nil {
			c.handler.logger.Error("gateway: failed to start agent process", "session_id", actor.SessionID(), "error", err)
			actor.SetStatus(domain.StatusError, "agent_process_start_failed")
		}
	}

	c.send(sessionCreatedMsg{
		Type:      "session_created",
		SessionID: actor.SessionID(),
		Status:    string(actor.Status()),
	})
	return nil
}

func (c *connState) handleStopSession(ctx context.Context, data []byte) error {
	var msg stopSessionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("BAD_MESSAGE", "malformed stop_session", "", true)
		return nil
	}

	// Setting status to stopping is a request-accepted acknowledgment, not
	// a completion one: the actor's status is not moved to stopped here.
	// When an agent runner is configured, its Stop tears down the session's
	// process before session_stopped is sent; without one, nothing here
	// ends the agent process.
	if actor, ok := c.handler.mgr.ByID(msg.SessionID); ok {
		actor.SetStatus(domain.StatusStopping, "stop_requested")
	}
	if c.handler.runner != nil {
		if err := c.handler.runner.Stop(ctx, msg.SessionID); err != nil {
			c.handler.logger.Warn("gateway: failed to stop agent process", "session_id", msg.SessionID, "error", err)
		}
	}

	c.send(sessionStoppedMsg{Type: "session_stopped", SessionID: msg.SessionID})
	return nil
}

func (c *connState) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.handler.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.send(pongMsg{Type: "pong", Ts: time.Now().UTC().Format(time.RFC3339Nano)})
		}
	}
}

func (c *connState) send(msg any) {
	if err := c.sink.Send(msg); err != nil {
		c.handler.logger.Debug("gateway: send failed", "error", err)
	}
}

func (c *connState) sendError(code, message, sessionID string, retryable bool) {
	c.send(errorMsg{Type: "error", Code: code, Message: message, SessionID: sessionID, Retryable: retryable})
}

// teardown detaches every subscription held by this connection, per the
// "no inbound message is ever held across a disconnect" guarantee.
func (c *connState) teardown() {
	c.mu.Lock()
	clientID := c.clientID
	sessionIDs := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		sessionIDs = append(sessionIDs, id)
	}
	c.mu.Unlock()

	for _, id := range sessionIDs {
		if actor, ok := c.handler.mgr.ByID(id); ok {
			actor.DetachSubscriber(clientID)
		}
	}

	c.sink.Close(websocket.StatusNormalClosure, "connection ended")
}

func toWireEvent(ev domain.Event) map[string]any {
	return map[string]any{
		"type":      "event",
		"sessionId": ev.SessionID,
		"seq":       ev.Seq,
		"eventType": ev.Type,
		"direction": ev.Direction,
		"payload":   ev.Payload,
		"createdAt": ev.CreatedAt,
	}
}
