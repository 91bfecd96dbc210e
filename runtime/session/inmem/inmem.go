// Package inmem provides an in-memory implementation of session.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neomentor/engine/runtime/session"
)

// Store implements session.Store in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	now      func() time.Time
}

// New returns a new in-memory session store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the store clock. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, sess session.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return session.ErrSessionExists
	}
	cp := sess.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.sessions[sess.ID] = &cp
	return nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Transition implements session.Store.
func (s *Store) Transition(_ context.Context, id string, to session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if err := sess.Transition(to); err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	return nil
}

// AppendStep implements session.Store.
func (s *Store) AppendStep(_ context.Context, id string, step session.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return session.ErrSessionTerminal
	}
	sess.Steps = append(sess.Steps, step)
	sess.UpdatedAt = s.now()
	return nil
}

// Finalize implements session.Store.
func (s *Store) Finalize(_ context.Context, id string, to session.Status, result json.RawMessage, errMsg string) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", session.ErrInvalidTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if err := sess.Transition(to); err != nil {
		return err
	}
	if result != nil {
		cp := make(json.RawMessage, len(result))
		copy(cp, result)
		sess.Result = cp
	}
	sess.Error = errMsg
	sess.UpdatedAt = s.now()
	return nil
}

// ListByUser implements session.Store.
func (s *Store) ListByUser(_ context.Context, userID string) ([]session.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
