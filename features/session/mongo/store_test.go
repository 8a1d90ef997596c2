package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mockmongo "goa.design/agentloop/features/session/mongo/clients/mongo/mocks"
	"goa.design/agentloop/runtime/agent/session"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestCreateSessionDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	now := time.Now().UTC()
	in := session.Session{ID: "sess-1", CreatedAt: now}
	expected := session.Session{ID: "sess-1", Status: session.StatusActive, CreatedAt: now}
	mockClient.AddCreateSession(func(_ context.Context, s session.Session) (session.Session, error) {
		require.Equal(t, in, s)
		return expected, nil
	})
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	sess, err := store.CreateSession(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, expected, sess)
	require.False(t, mockClient.HasMore())
}

func TestEndSessionDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	now := time.Now().UTC()
	mockClient.AddEndSession(func(_ context.Context, id string, endedAt time.Time) (session.Session, error) {
		require.Equal(t, "sess-1", id)
		require.Equal(t, now, endedAt)
		return session.Session{ID: id, Status: session.StatusEnded, EndedAt: &endedAt}, nil
	})
	mockClient.AddLoadSession(func(_ context.Context, id string) (session.Session, error) {
		return session.Session{}, session.ErrSessionNotFound
	})
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	ended, err := store.EndSession(context.Background(), "sess-1", now)
	require.NoError(t, err)
	require.Equal(t, session.StatusEnded, ended.Status)

	_, err = store.LoadSession(context.Background(), "other")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	require.False(t, mockClient.HasMore())
}

func TestListActiveDelegatesToClient(t *testing.T) {
	mockClient := mockmongo.NewClient(t)
	mockClient.AddListActive(func(context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	store, err := NewStore(mockClient)
	require.NoError(t, err)

	ids, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}
