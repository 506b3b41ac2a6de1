// Package session tracks who is signed in and issues their bearer tokens.
package session

import (
	"context"
	"sync"

	"taskboard/domain"
)

// State is a point in the sign-in lifecycle.
type State int

const (
	SignedOut State = iota
	Loading
	SignedIn
)

func (s State) String() string {
	switch s {
	case SignedOut:
		return "signed-out"
	case Loading:
		return "loading"
	case SignedIn:
		return "signed-in"
	default:
		return "unknown"
	}
}

// TokenSource issues short-lived bearer tokens for the signed-in user.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Watcher observes session transitions.
type Watcher func(state State, user domain.User)

// Session holds the current user. Transitions notify watchers synchronously,
// in registration order, outside the session lock.
type Session struct {
	mu       sync.Mutex
	state    State
	user     domain.User
	tokens   TokenSource
	watchers map[int]Watcher
	order    []int
	nextID   int
}

// New returns a signed-out session.
func New() *Session {
	return &Session{watchers: make(map[int]Watcher)}
}

// BeginSignIn marks an identity check as in progress.
func (s *Session) BeginSignIn() {
	s.transition(Loading, domain.User{}, nil)
}

// SignIn makes user the current user.
func (s *Session) SignIn(user domain.User, tokens TokenSource) error {
	if user.UID == "" {
		return &domain.ValidationError{Field: "uid", Reason: "must not be empty"}
	}
	s.transition(SignedIn, user, tokens)
	return nil
}

// SignOut clears the current user.
func (s *Session) SignOut() {
	s.transition(SignedOut, domain.User{}, nil)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User returns the signed-in user, if any.
func (s *Session) User() (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.state == SignedIn
}

// Token returns a bearer token for the signed-in user.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	state, tokens := s.state, s.tokens
	s.mu.Unlock()
	if state != SignedIn {
		return "", &domain.AuthError{Reason: "not signed in"}
	}
	if tokens == nil {
		return "", &domain.AuthError{Reason: "no token source"}
	}
	tok, err := tokens.Token(ctx)
	if err != nil {
		return "", &domain.AuthError{Reason: "token unavailable", Err: err}
	}
	return tok, nil
}

// Watch registers fn for future transitions and returns a function that
// removes it.
func (s *Session) Watch(fn Watcher) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Session) transition(state State, user domain.User, tokens TokenSource) {
	s.mu.Lock()
	if s.state == state && s.user == user {
		s.tokens = tokens
		s.mu.Unlock()
		return
	}
	s.state, s.user, s.tokens = state, user, tokens
	fns := make([]Watcher, 0, len(s.watchers))
	live := s.order[:0]
	for _, id := range s.order {
		if fn, ok := s.watchers[id]; ok {
			fns = append(fns, fn)
			live = append(live, id)
		}
	}
	s.order = live
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state, user)
	}
}
