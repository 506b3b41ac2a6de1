package domain

import (
	"strings"
	"time"
)

// Task is a single item on a user's list.
type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	ImagePath   string    `json:"imagePath,omitempty"`
	AIResponse  string    `json:"aiResponse,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Patch carries partial updates for a task. Nil fields are left untouched.
// OwnerID has no patch field: ownership never changes after creation.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	ImagePath   *string `json:"imagePath,omitempty"`
	AIResponse  *string `json:"aiResponse,omitempty"`
}

// Empty reports whether the patch sets no field.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil &&
		p.ImageURL == nil && p.ImagePath == nil && p.AIResponse == nil
}

// Validate rejects patches that would break task invariants.
func (p Patch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// Apply merges the patch into t and stamps UpdatedAt.
func (p Patch) Apply(t *Task, now time.Time) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.ImageURL != nil {
		t.ImageURL = *p.ImageURL
	}
	if p.ImagePath != nil {
		t.ImagePath = *p.ImagePath
	}
	if p.AIResponse != nil {
		t.AIResponse = *p.AIResponse
	}
	t.UpdatedAt = now
}

// ValidateNew checks the fields required to create a task.
func ValidateNew(ownerID, title string) error {
	if ownerID == "" {
		return &ValidationError{Field: "ownerId", Reason: "must not be empty"}
	}
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	return nil
}

// Counts are the figures derived from a snapshot.
type Counts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"inProgress"`
}

// CountTasks derives Counts from a snapshot.
func CountTasks(tasks []Task) Counts {
	c := Counts{Total: len(tasks)}
	for _, t := range tasks {
		if t.Completed {
			c.Completed++
		}
	}
	c.InProgress = c.Total - c.Completed
	return c
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }
