package domain

import "time"

// ActionKind is the closed enumeration of queued client intents.
type ActionKind string

const (
	ActionReplyToSession ActionKind = "reply-to-session"
	ActionUnblockTask    ActionKind = "unblock-task"
	ActionCommentOnPR    ActionKind = "comment-on-pr"
	ActionCompleteTask   ActionKind = "complete-task"
)

// ActionStatus is the lifecycle state of a queued client action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionProcessing ActionStatus = "processing"
	ActionFailed     ActionStatus = "failed"
)

// QueuedAction is the offline client's durable record of a user intent that
// must be delivered at least once.
type QueuedAction struct {
	ID          string
	Kind        ActionKind
	Payload     map[string]any
	CreatedAt   time.Time
	RetryCount  int
	LastRetryAt time.Time
	NextRetryAt time.Time
	Status      ActionStatus
	LastError   string
}
