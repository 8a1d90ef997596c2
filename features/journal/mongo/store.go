package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentloop/features/journal/mongo/clients/mongo"
	"goa.design/agentloop/runtime/agent/journal"
)

// Store implements journal.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ journal.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements journal.Store.
func (s *Store) Append(ctx context.Context, r *journal.Record) error {
	return s.client.Append(ctx, r)
}

// Lookup implements journal.Store.
func (s *Store) Lookup(ctx context.Context, sessionID, key string) (*journal.Record, error) {
	return s.client.Lookup(ctx, sessionID, key)
}

// List implements journal.Store.
func (s *Store) List(ctx context.Context, sessionID, cursor string, limit int) (journal.Page, error) {
	return s.client.List(ctx, sessionID, cursor, limit)
}
