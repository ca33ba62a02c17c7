package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded by the orchestrator and its collaborators.
const (
	TaskCreated         = "task.created"
	TaskEdited          = "task.edited"
	TaskCompleted       = "task.completed"
	TaskDeleted         = "task.deleted"
	AdviceRefreshed     = "advice.refreshed"
	AdvisoryFailed      = "advisory.failed"
	LedgerPending       = "ledger.pending"
	ReminderSent        = "reminder.sent"
	SubscriptionAdded   = "subscription.added"
	SubscriptionRemoved = "subscription.removed"
)

// Writer appends audit events. A Writer without DB discards events.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
