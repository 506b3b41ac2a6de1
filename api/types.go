package api

import (
	"context"

	"taskboard/domain"
	"taskboard/repository"
	"taskboard/storage"
	"taskboard/upload"
)

// Tasks is the repository surface served over HTTP.
type Tasks interface {
	Create(ctx context.Context, ownerID, title, description string) (string, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.Filter) ([]domain.Task, error)
	Subscribe(f domain.Filter, onChange func([]domain.Task), opts ...repository.SubscribeOption) (*repository.Subscription, error)
	Update(ctx context.Context, id string, p domain.Patch) error
	Toggle(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	AttachImage(ctx context.Context, id, url, path string) error
	AttachAIResponse(ctx context.Context, id, text string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents a retried create from producing a second task.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
	// Complete stores the result of the request made under key.
	Complete(ctx context.Context, userID, key, result string) error
	// Lookup returns the stored result, or "" while still in flight.
	Lookup(ctx context.Context, userID, key string) (string, error)
}

// Uploader stores attachments.
type Uploader interface {
	Upload(ctx context.Context, f upload.File, ownerID string, onProgress upload.ProgressFunc) (upload.Result, error)
	Remove(ctx context.Context, path string)
}

// BlobReader serves committed blobs in local mode.
type BlobReader interface {
	Open(path string) (storage.MemoryObject, bool)
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type createTaskResponse struct {
	ID string `json:"id"`
}

type updateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

type tasksResponse struct {
	Tasks  []domain.Task `json:"tasks"`
	Counts domain.Counts `json:"counts"`
}

type errorResponse struct {
	Error string `json:"error"`
}
