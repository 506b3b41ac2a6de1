package repository

import (
	"context"
	"sync"
	"sync/atomic"

	"taskboard/domain"
)

// Subscription delivers full snapshots of the tasks matching its filter.
// Deliveries are serial and run on the subscription's own goroutine.
type Subscription struct {
	repo     *Repository
	filter   domain.Filter
	onChange func([]domain.Task)
	onError  func(error)

	ctx    context.Context
	cancel context.CancelFunc
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
	err    error

	// deliverMu is held from the closed check until onChange returns.
	deliverMu  sync.Mutex
	inCallback atomic.Bool
	beforeCall func()
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithErrorHandler is called, on the delivery goroutine, whenever a reload
// fails. The subscription stays registered and retries on the next change.
func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(s *Subscription) { s.onError = fn }
}

// Subscribe delivers the current set matching f, then the complete set again
// after every change affecting it.
func (r *Repository) Subscribe(f domain.Filter, onChange func([]domain.Task), opts ...SubscribeOption) (*Subscription, error) {
	if err := validFilter(f); err != nil {
		return nil, err
	}
	if onChange == nil {
		return nil, &domain.ValidationError{Field: "onChange", Reason: "must not be nil"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		repo:     r,
		filter:   f,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Registered before the initial load so no change between the load and
	// registration is missed.
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	s.wake()

	go s.loop()
	return s, nil
}

// Subscriptions reports the number of registered subscriptions.
func (r *Repository) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Unsubscribe stops deliveries. It is idempotent and safe to call from inside
// the change callback. Once it returns no callback is started; a delivery
// that had already passed its closed check finishes first.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()

		s.repo.mu.Lock()
		delete(s.repo.subs, s)
		s.repo.mu.Unlock()

		// Inside a running callback the delivery lock is already taken.
		if !s.inCallback.Load() {
			s.deliverMu.Lock()
			s.deliverMu.Unlock()
		}
	})
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the most recent reload failure, or nil after a successful
// delivery.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Filter returns the filter the subscription observes.
func (s *Subscription) Filter() domain.Filter { return s.filter }

// wake requests a reload. Pending requests coalesce.
func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}
		tasks, err := s.repo.list(s.ctx, s.filter)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			continue
		}
		if !s.deliver(tasks) {
			return
		}
	}
}

func (s *Subscription) deliver(tasks []domain.Task) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.err = nil
	s.mu.Unlock()

	if s.beforeCall != nil {
		s.beforeCall()
	}
	s.inCallback.Store(true)
	defer s.inCallback.Store(false)
	s.onChange(tasks)
	return true
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.mu.Unlock()
	s.repo.logger.WithError(err).WithField("filter", s.filter.Key()).Error("subscription reload failed")
	if s.onError != nil {
		s.onError(err)
	}
}
