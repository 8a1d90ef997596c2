// Package session defines the durable lifecycle record of a conversation
// session.
//
// The session workflow owns the conversation itself (queue, history, tool
// catalog). The store only remembers that a session exists, how it was
// started and whether it ended, so a client can re-attach to it (or recover
// it on an engine that needs an explicit restart) after a process restart.
package session

import (
	"context"
	"errors"
	"time"

	"goa.design/agentloop/runtime/agent/api"
)

type (
	// Session captures durable session lifecycle state.
	//
	// Contract:
	// - Session IDs are stable and caller-provided.
	// - Ended sessions are terminal: they never accept submissions again.
	Session struct {
		// ID is the durable identifier of the session.
		ID string
		// Status is the current lifecycle state.
		Status Status
		// Start is the workflow input the session was started with.
		Start api.SessionStart
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// EndedAt is set when the session is ended.
		EndedAt *time.Time
	}

	// Store persists session lifecycle state.
	//
	// Store implementations must be durable: failures are surfaced to callers.
	Store interface {
		// CreateSession creates (or returns) an active session.
		//
		// Contract:
		// - Idempotent for active sessions: returns the existing session
		//   unchanged.
		// - Returns ErrSessionEnded when the session exists but is terminal.
		CreateSession(ctx context.Context, s Session) (Session, error)
		// LoadSession loads an existing session.
		// Returns ErrSessionNotFound when the session does not exist.
		LoadSession(ctx context.Context, sessionID string) (Session, error)
		// EndSession ends a session and returns its terminal state.
		// Idempotent: ending an already-ended session returns the stored
		// session.
		EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)
		// ListActive returns the IDs of the sessions that have not ended.
		ListActive(ctx context.Context) ([]string, error)
	}

	// Status represents the lifecycle state of a session.
	Status string
)

const (
	// StatusActive indicates the session accepts submissions.
	StatusActive Status = "active"
	// StatusEnded indicates the session is terminal.
	StatusEnded Status = "ended"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionEnded indicates a session exists but is ended.
	ErrSessionEnded = errors.New("session ended")
)

// Validate checks the fields required to create a session.
func (s Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}
