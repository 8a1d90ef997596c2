// Package mongo hosts the MongoDB client used by the session store.
package mongo

//go:generate cmg gen .

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/session"
)

const (
	defaultSessionsCollection = "agentloop_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for session lifecycle records.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error)
	ListActive(ctx context.Context) ([]string, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

type sessionDocument struct {
	SessionID string         `bson:"session_id"`
	Status    session.Status `bson:"status"`
	// Start is the JSON-encoded workflow input.
	Start     []byte     `bson:"start,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty"`
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.SessionsCollection
	if name == "" {
		name = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	if err := s.Validate(); err != nil {
		return session.Session{}, err
	}
	existing, err := c.LoadSession(ctx, s.ID)
	if err == nil {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}
	start, err := json.Marshal(s.Start)
	if err != nil {
		return session.Session{}, fmt.Errorf("encode session start: %w", err)
	}

	wctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": s.ID}
	// Only $setOnInsert: a concurrent create must not modify the winner.
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id": s.ID,
			"status":     session.StatusActive,
			"start":      start,
			"created_at": s.CreatedAt.UTC(),
			"updated_at": time.Now().UTC(),
		},
	}
	if _, err := c.sessions.UpdateOne(wctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}

	out, err := c.LoadSession(ctx, s.ID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status == session.StatusEnded {
		return session.Session{}, session.ErrSessionEnded
	}
	return out, nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession()
}

func (c *client) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		return session.Session{}, errors.New("ended_at is required")
	}
	existing, err := c.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status == session.StatusEnded {
		return existing, nil
	}

	wctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID, "status": session.StatusActive}
	update := bson.M{
		"$set": bson.M{
			"status":     session.StatusEnded,
			"ended_at":   endedAt.UTC(),
			"updated_at": time.Now().UTC(),
		},
	}
	if _, err := c.sessions.UpdateOne(wctx, filter, update); err != nil {
		return session.Session{}, err
	}
	return c.LoadSession(ctx, sessionID)
}

func (c *client) ListActive(ctx context.Context) (ids []string, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.sessions.Find(ctx, bson.M{"status": session.StatusActive},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.SessionID)
	}
	return ids, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (doc sessionDocument) toSession() (session.Session, error) {
	out := session.Session{
		ID:        doc.SessionID,
		Status:    doc.Status,
		CreatedAt: doc.CreatedAt.UTC(),
	}
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		out.EndedAt = &at
	}
	if len(doc.Start) > 0 {
		var start api.SessionStart
		if err := json.Unmarshal(doc.Start, &start); err != nil {
			return session.Session{}, fmt.Errorf("decode start of session %s: %w", doc.SessionID, err)
		}
		out.Start = start
	}
	return out, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	byID := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, byID); err != nil {
		return err
	}
	byStatus := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "created_at", Value: 1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, byStatus)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		sessions: coll,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	view := c.coll.Indexes()
	return &view
}
