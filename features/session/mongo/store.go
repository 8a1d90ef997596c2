package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/agentloop/features/session/mongo/clients/mongo"
	"goa.design/agentloop/runtime/agent/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	return s.client.CreateSession(ctx, sess)
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	return s.client.LoadSession(ctx, sessionID)
}

// EndSession implements session.Store.
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	return s.client.EndSession(ctx, sessionID, endedAt)
}

// ListActive implements session.Store.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	return s.client.ListActive(ctx)
}
