package domain

import "fmt"

// Priority levels accepted by the task contract.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// TaskFields is the writable part of a task.
type TaskFields struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    uint8  `json:"priority"`
	Progress    uint8  `json:"progress"`
	Deadline    string `json:"deadline"`
}

// Validate checks the ranges enforced before anything is sent to the ledger.
func (f TaskFields) Validate() error {
	if f.Priority < PriorityLow || f.Priority > PriorityHigh {
		return fmt.Errorf("invalid priority %d: must be 1, 2 or 3", f.Priority)
	}
	if f.Progress > 100 {
		return fmt.Errorf("invalid progress %d: must be within 0..100", f.Progress)
	}
	return nil
}

type Task struct {
	ID          uint64 `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    uint8  `json:"priority" enum:"1,2,3"`
	Progress    uint8  `json:"progress" minimum:"0" maximum:"100"`
	Deadline    string `json:"deadline"`
	Completed   bool   `json:"completed"`
	AIAdvice    string `json:"aiAdvice"`
	Owner       string `json:"owner"`
}

// Fields returns the writable part of t.
func (t Task) Fields() TaskFields {
	return TaskFields{
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Progress:    t.Progress,
		Deadline:    t.Deadline,
	}
}

// Receipt is returned once a ledger write is confirmed.
type Receipt struct {
	TxHash      string  `json:"txHash"`
	BlockNumber uint64  `json:"blockNumber"`
	GasUsed     uint64  `json:"gasUsed"`
	Status      string  `json:"status" enum:"confirmed"`
	TaskID      *uint64 `json:"taskId,omitempty"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a browser push subscription keyed by Endpoint.
type Subscription struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime,omitempty"`
	Keys           SubscriptionKeys `json:"keys"`
	CreatedAt      string           `json:"created_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
