package domain

import "context"

const (
	TaskCreated       = "task-created"
	TaskUpdated       = "task-updated"
	TaskStatusUpdated = "task-status-updated"
	TaskDeleted       = "task-deleted"
)

// TaskEvent announces a committed change to one task. Receivers treat it as a
// signal to refetch the owner's task list.
type TaskEvent struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
	TaskID  string `json:"taskId"`
	Status  Status `json:"status,omitempty"`
	Time    int64  `json:"time"`
}

// Notifier publishes task events.
type Notifier interface {
	Publish(ctx context.Context, ev TaskEvent) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, TaskEvent) error { return nil }
