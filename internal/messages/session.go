package messages

import (
	"context"
	"fmt"
	"sync"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
)

// Backend is a Store that can also tell who is signed in.
type Backend interface {
	Store
	CurrentUser(ctx context.Context) (*models.Principal, error)
}

// Session is a signed-in user with at most one open conversation.
// The principal is read once when the session starts; a change of identity
// needs a new Session.
type Session struct {
	backend    Backend
	subscriber realtime.Subscriber
	opts       []Option
	user       *models.Principal

	mu     sync.Mutex
	active *Engine
}

// NewSession reads the current principal and returns a session for it. A
// signed-out backend yields a session whose writes fail with ErrUnauthenticated.
func NewSession(ctx context.Context, backend Backend, subscriber realtime.Subscriber, opts ...Option) (*Session, error) {
	user, err := backend.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current user: %w", err)
	}
	return &Session{
		backend:    backend,
		subscriber: subscriber,
		opts:       opts,
		user:       user,
	}, nil
}

// User returns the cached principal, or nil when signed out.
func (s *Session) User() *models.Principal {
	return s.user
}

// UserID returns the principal's id, or "".
func (s *Session) UserID() string {
	if s.user == nil {
		return ""
	}
	return s.user.ID
}

// Open makes conversationID the active conversation. The previous engine is
// closed before the new one subscribes, so no late event of the old
// conversation can reach the new list. The returned engine is usable even when
// the error is not nil; the failure is also recorded in its state.
func (s *Session) Open(ctx context.Context, conversationID string) (*Engine, error) {
	e := NewEngine(s.backend, s.subscriber, conversationID, s.UserID(), s.opts...)

	s.mu.Lock()
	prev := s.active
	s.active = e
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return e, e.Start(ctx)
}

// Active returns the open engine, or nil.
func (s *Session) Active() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close tears down the active conversation.
func (s *Session) Close() {
	s.mu.Lock()
	e := s.active
	s.active = nil
	s.mu.Unlock()
	if e != nil {
		e.Close()
	}
}
