package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/agentgateway/internal/domain"
	"github.com/ashureev/agentgateway/internal/identity"
	"github.com/ashureev/agentgateway/internal/sessionmgr"
)

type fakeRepo struct {
	sessions map[string]*domain.Session
}

func newFakeRepo() *fakeRepo { return &fakeRepo{sessions: make(map[string]*domain.Session)} }

func (r *fakeRepo) LoadSession(ctx context.Context, id string) (*domain.Session, error) {
	if sess, ok := r.sessions[id]; ok {
		cp := *sess
		return &cp, nil
	}
	return nil, sessionmgr.ErrSessionNotFound
}

func (r *fakeRepo) CreateSession(ctx context.Context, cfg domain.NewSessionConfig) (*domain.Session, error) {
	sess := &domain.Session{ID: cfg.ID, UserID: cfg.UserID, AgentKind: cfg.AgentKind, WorkingDir: cfg.WorkingDir, Status: domain.StatusRunning, NextSeq: 1, CreatedAt: time.Now()}
	if sess.ID == "" {
		sess.ID = "generated-session"
	}
	r.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (r *fakeRepo) UpdateSessionLease(ctx context.Context, sessionID, gatewayID string, expiresAt time.Time) error {
	return nil
}
func (r *fakeRepo) ReleaseSessionLease(ctx context.Context, sessionID string) error { return nil }
func (r *fakeRepo) PersistEvents(ctx context.Context, events []domain.Event) error  { return nil }
func (r *fakeRepo) SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus, lastActivity time.Time) error {
	return nil
}
func (r *fakeRepo) TouchActivity(ctx context.Context, sessionID string, at time.Time) error {
	return nil
}
func (r *fakeRepo) GetStaleSessionIds(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}
func (r *fakeRepo) GetIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}
func (r *fakeRepo) GetOldSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}
func (r *fakeRepo) MarkSessionStopped(ctx context.Context, sessionID, reason string) error {
	return nil
}
func (r *fakeRepo) DeleteOldEvents(ctx context.Context, sessionIDs []string) error { return nil }
func (r *fakeRepo) Ping(ctx context.Context) error                                { return nil }
func (r *fakeRepo) Close() error                                                  { return nil }

func setupTestServer(t *testing.T) (*httptest.Server, *sessionmgr.Manager) {
	t.Helper()
	repo := newFakeRepo()
	mgr := sessionmgr.New(sessionmgr.Config{
		GatewayID:            "gw-test",
		LeaseTimeout:         time.Minute,
		LeaseRefreshInterval: time.Hour,
		MaxRecentEvents:      100,
		IdleTimeout:          time.Hour,
	}, repo, func(ev domain.Event) {}, nil)

	h := New(mgr, identity.AnonResolver{}, 0, "*", true, nil, nil)
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return server, mgr
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func helloAndExpectOK(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, helloMsg{Type: "hello", ClientID: "c1", DeviceType: "web", Token: "anon_00000000000000000000000000000000"})
	msg := readJSON(t, conn)
	if msg["type"] != "hello_ok" {
		t.Fatalf("expected hello_ok, got %v", msg)
	}
}

func TestHandler_NonHelloFirstMessageIsRejected(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dial(t, server)

	writeJSON(t, conn, subscribeMsg{Type: "subscribe", SessionID: "s1", LastAckSeq: 0})

	msg := readJSON(t, conn)
	if msg["type"] != "error" {
		t.Fatalf("expected error frame, got %v", msg)
	}
	if msg["retryable"] != false {
		t.Errorf("expected non-retryable error, got %v", msg["retryable"])
	}
}

func TestHandler_HelloThenSubscribeUnknownSession(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dial(t, server)
	helloAndExpectOK(t, conn)

	writeJSON(t, conn, subscribeMsg{Type: "subscribe", SessionID: "missing", LastAckSeq: 0})
	msg := readJSON(t, conn)
	if msg["type"] != "error" || msg["code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("expected SESSION_NOT_FOUND error, got %v", msg)
	}
}

func TestHandler_CreateSessionThenSubscribeThenInput(t *testing.T) {
	server, mgr := setupTestServer(t)
	conn := dial(t, server)
	helloAndExpectOK(t, conn)

	writeJSON(t, conn, createSessionMsg{Type: "create_session", WorkingDirectory: "/tmp", AgentType: "claude"})
	created := readJSON(t, conn)
	if created["type"] != "session_created" {
		t.Fatalf("expected session_created, got %v", created)
	}
	sessionID, _ := created["sessionId"].(string)
	if sessionID == "" {
		t.Fatalf("expected a session id in session_created")
	}

	writeJSON(t, conn, subscribeMsg{Type: "subscribe", SessionID: sessionID, LastAckSeq: 0})
	subscribed := readJSON(t, conn)
	if subscribed["type"] != "subscribed" {
		t.Fatalf("expected subscribed, got %v", subscribed)
	}

	// The broadcast event and the ack both carry seq 1 (the input's own
	// seq, the first event of this fresh session); the actor's atomic emit-then-fan-out keeps subscribers in
	// strictly increasing seq order, so the event for this subscriber's
	// own input arrives over the wire before its ack. Only events with a
	// strictly greater seq than the acked one are ordering-sensitive.
	writeJSON(t, conn, inputMsg{Type: "input", SessionID: sessionID, ClientInputID: "i1", Data: "hello"})

	event := readJSON(t, conn)
	if event["type"] != "event" || event["eventType"] != "input" {
		t.Fatalf("expected broadcast input event, got %v", event)
	}

	ack := readJSON(t, conn)
	if ack["type"] != "input_ack" {
		t.Fatalf("expected input_ack, got %v", ack)
	}

	if mgr.Count() != 1 {
		t.Errorf("expected one locally hosted session, got %d", mgr.Count())
	}
}

func TestHandler_PingPong(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dial(t, server)
	helloAndExpectOK(t, conn)

	writeJSON(t, conn, pingMsg{Type: "ping", Ts: "123"})
	msg := readJSON(t, conn)
	if msg["type"] != "pong" || msg["ts"] != "123" {
		t.Fatalf("expected pong echoing ts, got %v", msg)
	}
}
