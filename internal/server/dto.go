package server

import (
	"todochain/internal/domain"
	"todochain/internal/push"
	"todochain/internal/reminder"
)

// Request payloads

type VerifySignatureRequest struct {
	Address   string `json:"address" example:"0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"`
	Message   string `json:"message"`
	Signature string `json:"signature" example:"0x..."`
}

type TaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    uint8  `json:"priority" minimum:"1" maximum:"3" enum:"1,2,3"`
	Progress    uint8  `json:"progress,omitempty" minimum:"0" maximum:"100"`
	Deadline    string `json:"deadline,omitempty" example:"2024-12-31T18:00"`
}

func (r TaskRequest) fields() domain.TaskFields {
	return domain.TaskFields{
		Title:       r.Title,
		Description: r.Description,
		Priority:    r.Priority,
		Progress:    r.Progress,
		Deadline:    r.Deadline,
	}
}

type AdviceRequest struct {
	ID          *uint64 `json:"id,omitempty"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Priority    uint8   `json:"priority,omitempty" maximum:"3"`
	Progress    uint8   `json:"progress,omitempty" maximum:"100"`
	Deadline    string  `json:"deadline,omitempty"`
	Completed   bool    `json:"completed,omitempty"`
}

type PrioritizeTask struct {
	ID          uint64 `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    uint8  `json:"priority,omitempty"`
	Progress    uint8  `json:"progress,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Completed   bool   `json:"completed,omitempty"`
}

type PrioritizeRequest struct {
	Tasks []PrioritizeTask `json:"tasks,omitempty"`
}

func (r PrioritizeRequest) tasks() []domain.Task {
	out := make([]domain.Task, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		out = append(out, domain.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Priority:    t.Priority,
			Progress:    t.Progress,
			Deadline:    t.Deadline,
			Completed:   t.Completed,
		})
	}
	return out
}

type SubscribeRequest struct {
	Subscription map[string]any `json:"subscription"`
}

type SendNotificationRequest struct {
	Message string `json:"message" minLength:"1"`
}

// Response payloads

type VerifySignatureResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
}

type TaskWriteResponse struct {
	Message string         `json:"message" example:"Task created"`
	Receipt domain.Receipt `json:"receipt"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type SendNotificationResponse struct {
	Message string `json:"message"`
	push.BroadcastResult
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ReminderStatusResponse struct {
	Enabled bool              `json:"enabled"`
	Status  reminder.Snapshot `json:"status"`
}
