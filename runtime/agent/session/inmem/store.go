// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"goa.design/agentloop/runtime/agent/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, in session.Session) (session.Session, error) {
	if err := in.Validate(); err != nil {
		return session.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[in.ID]
	if ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return cloneSession(existing), nil
	}

	out := cloneSession(in)
	out.Status = session.StatusActive
	out.CreatedAt = in.CreatedAt.UTC()
	out.EndedAt = nil
	s.sessions[in.ID] = out
	return cloneSession(out), nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(existing), nil
}

// EndSession implements session.Store.
func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if existing.Status == session.StatusEnded {
		return cloneSession(existing), nil
	}
	at := endedAt.UTC()
	existing.Status = session.StatusEnded
	existing.EndedAt = &at
	s.sessions[sessionID] = existing
	return cloneSession(existing), nil
}

// ListActive implements session.Store.
func (s *Store) ListActive(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sess := range s.sessions {
		if sess.Status == session.StatusActive {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func cloneSession(in session.Session) session.Session {
	out := in
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	out.Start.Namespaces = slices.Clone(in.Start.Namespaces)
	return out
}
