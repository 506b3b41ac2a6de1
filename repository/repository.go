// Package repository translates task operations into store mutations and
// turns store change notifications into full-snapshot subscriptions.
package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Store is the remote document store holding tasks.
type Store interface {
	Insert(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.Filter) ([]domain.Task, error)
	Merge(ctx context.Context, id string, p domain.Patch) error
	Flip(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) (domain.Task, error)
	Watch(ctx context.Context, fn func(domain.Change)) error
}

// BlobCleaner removes attachments that no task references any more.
type BlobCleaner interface {
	Schedule(ctx context.Context, path string) error
}

// Repository is the only writer of tasks.
type Repository struct {
	store   Store
	cleaner BlobCleaner
	newID   func() string
	logger  *log.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Option configures a Repository.
type Option func(*Repository)

// WithCleaner schedules blob cleanup when attachments are dropped.
func WithCleaner(c BlobCleaner) Option {
	return func(r *Repository) { r.cleaner = c }
}

// WithLogger sets the logger used for background failures.
func WithLogger(l *log.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// WithIDs replaces the task ID generator.
func WithIDs(fn func() string) Option {
	return func(r *Repository) { r.newID = fn }
}

// New creates a Repository over store.
func New(store Store, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		newID:  uuid.NewString,
		logger: log.StandardLogger(),
		subs:   make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create adds a task owned by ownerID and returns its ID.
func (r *Repository) Create(ctx context.Context, ownerID, title, description string) (string, error) {
	if err := domain.ValidateNew(ownerID, title); err != nil {
		return "", err
	}
	id := r.newID()
	t := domain.Task{ID: id, OwnerID: ownerID, Title: title, Description: description}
	if err := r.store.Insert(ctx, t); err != nil {
		return "", domain.Backend("create task", err)
	}
	return id, nil
}

// Get returns a single task.
func (r *Repository) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, domain.Backend("get task", err)
	}
	return t, nil
}

// List returns the current snapshot for f without subscribing.
func (r *Repository) List(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	if err := validFilter(f); err != nil {
		return nil, err
	}
	return r.list(ctx, f)
}

// Update merges p into the task and refreshes UpdatedAt.
func (r *Repository) Update(ctx context.Context, id string, p domain.Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := r.store.Merge(ctx, id, p); err != nil {
		return domain.Backend("update task", err)
	}
	return nil
}

// Rename sets a new title.
func (r *Repository) Rename(ctx context.Context, id, title string) error {
	return r.Update(ctx, id, domain.Patch{Title: &title})
}

// Toggle negates Completed in a single store-side operation.
func (r *Repository) Toggle(ctx context.Context, id string) error {
	if err := r.store.Flip(ctx, id); err != nil {
		return domain.Backend("toggle task", err)
	}
	return nil
}

// SetCompleted writes an explicit completion state.
func (r *Repository) SetCompleted(ctx context.Context, id string, completed bool) error {
	return r.Update(ctx, id, domain.Patch{Completed: &completed})
}

// Delete removes the task and schedules removal of its attachment.
func (r *Repository) Delete(ctx context.Context, id string) error {
	t, err := r.store.Delete(ctx, id)
	if err != nil {
		return domain.Backend("delete task", err)
	}
	r.cleanup(ctx, t.ImagePath)
	return nil
}

// AttachImage records an uploaded attachment. A previous attachment at a
// different path is scheduled for removal.
func (r *Repository) AttachImage(ctx context.Context, id, url, path string) error {
	prev, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Backend("attach image", err)
	}
	if err := r.Update(ctx, id, domain.Patch{ImageURL: &url, ImagePath: &path}); err != nil {
		return err
	}
	if prev.ImagePath != path {
		r.cleanup(ctx, prev.ImagePath)
	}
	return nil
}

// AttachAIResponse stores the annotation text.
func (r *Repository) AttachAIResponse(ctx context.Context, id, text string) error {
	return r.Update(ctx, id, domain.Patch{AIResponse: &text})
}

// Run consumes store change notifications until ctx is done, waking every
// subscription whose filter covers the changed task.
func (r *Repository) Run(ctx context.Context) error {
	return r.store.Watch(ctx, r.dispatch)
}

func (r *Repository) dispatch(c domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs {
		if s.filter.Matches(c.OwnerID) {
			s.wake()
		}
	}
}

func (r *Repository) list(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	tasks, err := r.store.List(ctx, f)
	if err != nil {
		return nil, domain.Backend("list tasks", err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return tasks, nil
}

func (r *Repository) cleanup(ctx context.Context, path string) {
	if path == "" || r.cleaner == nil {
		return
	}
	if err := r.cleaner.Schedule(ctx, path); err != nil {
		r.logger.WithError(err).WithField("path", path).Warn("unable to schedule attachment cleanup")
	}
}

func validFilter(f domain.Filter) error {
	if !f.All && strings.TrimSpace(f.OwnerID) == "" {
		return &domain.ValidationError{Field: "filter", Reason: "owner or all-tasks required"}
	}
	return nil
}
