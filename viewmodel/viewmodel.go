// Package viewmodel projects the signed-in user's task subscription into
// renderable state.
package viewmodel

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/repository"
	"taskboard/session"
	"taskboard/upload"
)

// Mode selects which tasks are shown.
type Mode int

const (
	// Mine shows the signed-in user's tasks.
	Mine Mode = iota
	// All shows every user's tasks.
	All
)

func (m Mode) String() string {
	if m == All {
		return "all"
	}
	return "mine"
}

// Tasks is the repository surface the view-model drives.
type Tasks interface {
	Subscribe(f domain.Filter, onChange func([]domain.Task), opts ...repository.SubscribeOption) (*repository.Subscription, error)
	Create(ctx context.Context, ownerID, title, description string) (string, error)
	Rename(ctx context.Context, id, title string) error
	Toggle(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	AttachImage(ctx context.Context, id, url, path string) error
}

// Uploader stores attachments.
type Uploader interface {
	Upload(ctx context.Context, f upload.File, ownerID string, onProgress upload.ProgressFunc) (upload.Result, error)
	Remove(ctx context.Context, path string)
}

// Annotator triggers annotation of a task.
type Annotator interface {
	Annotate(ctx context.Context, taskID, title, description string) error
}

// State is a copy of what the view renders.
type State struct {
	Tasks      []domain.Task
	Counts     domain.Counts
	Loading    bool
	Stale      bool
	Err        error
	User       domain.User
	SignedIn   bool
	Mode       Mode
	Annotating map[string]bool
}

// ViewModel holds the latest snapshot delivered by the repository. It never
// edits the list itself; actions go to the repository and come back through
// the subscription.
type ViewModel struct {
	tasks     Tasks
	session   *session.Session
	uploader  Uploader
	annotator Annotator
	onRender  func(State)
	logger    *log.Logger

	mu         sync.Mutex
	list       []domain.Task
	counts     domain.Counts
	loading    bool
	stale      bool
	lastErr    error
	user       domain.User
	signedIn   bool
	mode       Mode
	annotating map[string]bool
	sub        *repository.Subscription
	gen        int
	closed     bool
	stopWatch  func()
}

// Option configures a ViewModel.
type Option func(*ViewModel)

// WithUploader enables AttachFile.
func WithUploader(u Uploader) Option { return func(vm *ViewModel) { vm.uploader = u } }

// WithAnnotator enables Annotate.
func WithAnnotator(a Annotator) Option { return func(vm *ViewModel) { vm.annotator = a } }

// WithRender registers a hook called with fresh state after every change.
func WithRender(fn func(State)) Option { return func(vm *ViewModel) { vm.onRender = fn } }

// WithMode sets the initial mode.
func WithMode(m Mode) Option { return func(vm *ViewModel) { vm.mode = m } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(vm *ViewModel) { vm.logger = l } }

// New creates a ViewModel following sess.
func New(tasks Tasks, sess *session.Session, opts ...Option) *ViewModel {
	vm := &ViewModel{
		tasks:      tasks,
		session:    sess,
		loading:    true,
		annotating: make(map[string]bool),
		logger:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.stopWatch = sess.Watch(func(session.State, domain.User) { vm.follow() })
	vm.follow()
	return vm
}

// State returns a copy of the current state.
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.snapshotLocked()
}

// SetMode switches between own and all tasks, replacing the subscription.
func (vm *ViewModel) SetMode(m Mode) {
	vm.mu.Lock()
	if vm.closed || vm.mode == m {
		vm.mu.Unlock()
		return
	}
	vm.mode = m
	old := vm.resubscribeLocked()
	st := vm.snapshotLocked()
	vm.mu.Unlock()
	unsubscribe(old)
	vm.render(st)
}

// Close ends the subscription and stops following the session. It returns
// once no further delivery can reach the view-model.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	vm.closed = true
	sub := vm.sub
	vm.sub = nil
	vm.gen++
	stop := vm.stopWatch
	vm.mu.Unlock()

	if stop != nil {
		stop()
	}
	if sub != nil {
		sub.Unsubscribe()
		<-sub.Done()
	}
}

// follow reconciles the subscription with the session.
func (vm *ViewModel) follow() {
	user, signedIn := vm.session.User()
	vm.mu.Lock()
	if vm.closed || (signedIn == vm.signedIn && user.UID == vm.user.UID) {
		vm.mu.Unlock()
		return
	}
	vm.user, vm.signedIn = user, signedIn
	vm.annotating = make(map[string]bool)
	old := vm.resubscribeLocked()
	st := vm.snapshotLocked()
	vm.mu.Unlock()
	unsubscribe(old)
	vm.render(st)
}

// resubscribeLocked detaches the current subscription and, when someone is
// signed in, opens one for the current owner and mode. The generation
// counter discards deliveries already in flight for the old subscription,
// which the caller unsubscribes after releasing vm.mu.
func (vm *ViewModel) resubscribeLocked() (old *repository.Subscription) {
	old, vm.sub = vm.sub, nil
	vm.gen++
	vm.list = nil
	vm.counts = domain.Counts{}
	vm.stale = false
	vm.lastErr = nil
	if !vm.signedIn {
		return
	}
	// A new subscription owes its first snapshot.
	vm.loading = true

	filter := domain.OwnedBy(vm.user.UID)
	if vm.mode == All {
		filter = domain.AllTasks()
	}
	gen := vm.gen
	sub, err := vm.tasks.Subscribe(filter,
		func(tasks []domain.Task) { vm.deliver(gen, tasks) },
		repository.WithErrorHandler(func(err error) { vm.fail(gen, err) }),
	)
	if err != nil {
		vm.stale = true
		vm.lastErr = err
		vm.logger.WithError(err).WithField("filter", filter.Key()).Error("unable to subscribe")
		return old
	}
	vm.sub = sub
	return old
}

// unsubscribe must not run under vm.mu: it waits for a delivery in progress,
// and deliveries take vm.mu.
func unsubscribe(sub *repository.Subscription) {
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (vm *ViewModel) deliver(gen int, tasks []domain.Task) {
	vm.mu.Lock()
	if gen != vm.gen {
		vm.mu.Unlock()
		return
	}
	vm.list = tasks
	vm.counts = domain.CountTasks(tasks)
	vm.loading = false
	vm.stale = false
	vm.lastErr = nil
	st := vm.snapshotLocked()
	vm.mu.Unlock()
	vm.render(st)
}

func (vm *ViewModel) fail(gen int, err error) {
	vm.mu.Lock()
	if gen != vm.gen {
		vm.mu.Unlock()
		return
	}
	vm.stale = true
	vm.lastErr = err
	st := vm.snapshotLocked()
	vm.mu.Unlock()
	vm.render(st)
}

func (vm *ViewModel) snapshotLocked() State {
	tasks := make([]domain.Task, len(vm.list))
	copy(tasks, vm.list)
	annotating := make(map[string]bool, len(vm.annotating))
	for id, v := range vm.annotating {
		annotating[id] = v
	}
	return State{
		Tasks:      tasks,
		Counts:     vm.counts,
		Loading:    vm.loading,
		Stale:      vm.stale,
		Err:        vm.lastErr,
		User:       vm.user,
		SignedIn:   vm.signedIn,
		Mode:       vm.mode,
		Annotating: annotating,
	}
}

func (vm *ViewModel) render(st State) {
	if vm.onRender != nil {
		vm.onRender(st)
	}
}
