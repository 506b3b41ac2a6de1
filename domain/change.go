package domain

// ChangeKind names the mutation behind a change notification.
type ChangeKind string

const (
	TaskCreated ChangeKind = "task-created"
	TaskUpdated ChangeKind = "task-updated"
	TaskDeleted ChangeKind = "task-deleted"
)

// Change is pushed by the store after every successful mutation.
type Change struct {
	TaskID  string     `json:"taskId"`
	OwnerID string     `json:"ownerId"`
	Kind    ChangeKind `json:"kind"`
}
