package domain

import "time"

// EventDirection identifies who produced a session event.
type EventDirection string

const (
	DirectionClient EventDirection = "client"
	DirectionAgent  EventDirection = "agent"
	DirectionSystem EventDirection = "system"
)

// EventType is the closed vocabulary of session event kinds.
type EventType string

const (
	EventOutputChunk  EventType = "output_chunk"
	EventMessageFinal EventType = "message_final"
	EventInput        EventType = "input"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventState        EventType = "state"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one unit in a session's ordered log. Sequence numbers are dense
// from 1 and never reused within a session; an Event is never mutated after
// it is appended.
type Event struct {
	SessionID string
	Seq       int64
	Direction EventDirection
	Type      EventType
	Payload   map[string]any
	CreatedAt time.Time
}

// OutputChunkPayload is the payload shape for EventOutputChunk.
type OutputChunkPayload struct {
	Data   string `json:"data"`
	Stream string `json:"stream"` // "stdout" | "stderr"
}

// MessageFinalPayload is the payload shape for EventMessageFinal.
type MessageFinalPayload struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// InputPayload is the payload shape for EventInput.
type InputPayload struct {
	Data          string `json:"data"`
	ClientInputID string `json:"clientInputId"`
}

// ToolCallPayload is the payload shape for EventToolCall.
type ToolCallPayload struct {
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

// ToolResultPayload is the payload shape for EventToolResult.
type ToolResultPayload struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	IsError    bool   `json:"isError"`
}

// StatePayload is the payload shape for EventState.
type StatePayload struct {
	Status         SessionStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	PreviousStatus SessionStatus `json:"previousStatus,omitempty"`
}

// ErrorPayload is the payload shape for EventError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload is the payload shape for EventHeartbeat.
type HeartbeatPayload struct {
	Ts string `json:"ts"`
}

// Subscriber is one client's attachment to one session on one socket. Sink is
// an opaque, invalidatable handle to the outbound transport — the actor only
// ever calls Send/IsOpen on it, never reaches into the transport itself.
type Subscriber struct {
	ClientID     string
	Sink         Sink
	LastAckSeq   int64
	SubscribedAt time.Time
}

// Sink is the actor's view of a subscriber's transport: enough to fan out
// events and detect a dead connection, nothing else. Concrete gateway code
// supplies the implementation; the session runtime never imports a
// WebSocket type directly.
type Sink interface {
	// Send delivers one serialized server message. Implementations must not
	// block the caller indefinitely; a slow or dead sink should return
	// promptly (e.g. via a bounded per-subscriber queue).
	Send(msg any) error
	// IsOpen reports whether the underlying transport is still connected.
	IsOpen() bool
}
