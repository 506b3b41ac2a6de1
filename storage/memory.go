package storage

import (
	"context"
	"sync"
	"time"

	"taskboard/domain"
)

// Memory is an in-process task store with push notifications. It backs the
// local mode and the tests of everything built on top of a store.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	watchers map[*memoryWatcher]struct{}
	now      func() time.Time
}

type memoryWatcher struct {
	ch   chan domain.Change
	done <-chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]domain.Task),
		watchers: make(map[*memoryWatcher]struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the store clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Insert(ctx context.Context, t domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, exists := m.tasks[t.ID]; exists {
		m.mu.Unlock()
		return &domain.ValidationError{Field: "id", Reason: "already exists"}
	}
	now := m.now().UTC()
	t.Completed = false
	t.CreatedAt = now
	t.UpdatedAt = now
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.notify(domain.Change{TaskID: t.ID, OwnerID: t.OwnerID, Kind: domain.TaskCreated})
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	return t, nil
}

func (m *Memory) List(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := []domain.Task{}
	for _, t := range m.tasks {
		if f.Matches(t.OwnerID) {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (m *Memory) Merge(ctx context.Context, id string, p domain.Patch) error {
	return m.mutate(ctx, id, func(t *domain.Task) { p.Apply(t, m.now().UTC()) })
}

func (m *Memory) Flip(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(t *domain.Task) {
		domain.Patch{Completed: domain.Bool(!t.Completed)}.Apply(t, m.now().UTC())
	})
}

func (m *Memory) Delete(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return domain.Task{}, &domain.NotFoundError{ID: id}
	}
	delete(m.tasks, id)
	m.mu.Unlock()
	m.notify(domain.Change{TaskID: id, OwnerID: t.OwnerID, Kind: domain.TaskDeleted})
	return t, nil
}

// Watch blocks, delivering change notifications until ctx is done.
func (m *Memory) Watch(ctx context.Context, fn func(domain.Change)) error {
	w := &memoryWatcher{ch: make(chan domain.Change, 256), done: ctx.Done()}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-w.ch:
			fn(c)
		}
	}
}

// Watchers reports the number of active watchers.
func (m *Memory) Watchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

func (m *Memory) mutate(ctx context.Context, id string, fn func(*domain.Task)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return &domain.NotFoundError{ID: id}
	}
	fn(&t)
	m.tasks[id] = t
	m.mu.Unlock()
	m.notify(domain.Change{TaskID: id, OwnerID: t.OwnerID, Kind: domain.TaskUpdated})
	return nil
}

func (m *Memory) notify(c domain.Change) {
	m.mu.Lock()
	watchers := make([]*memoryWatcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()
	for _, w := range watchers {
		select {
		case w.ch <- c:
		case <-w.done:
		}
	}
}
