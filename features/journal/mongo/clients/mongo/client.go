// Package mongo implements the low-level MongoDB client used by the journal
// store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentloop/runtime/agent/journal"
)

type (
	// Client exposes Mongo-backed operations for the step journal.
	Client interface {
		health.Pinger

		Append(ctx context.Context, r *journal.Record) error
		Lookup(ctx context.Context, sessionID, key string) (*journal.Record, error)
		List(ctx context.Context, sessionID, cursor string, limit int) (journal.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client *mongodriver.Client
		// Database is required.
		Database string
		// Collection holds the records. Default: agentloop_journal.
		Collection string
		// CountersCollection holds the per-session sequence counters.
		// Default: agentloop_journal_counters.
		CountersCollection string
		Timeout            time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		records  *mongodriver.Collection
		counters *mongodriver.Collection
		timeout  time.Duration
	}

	recordDocument struct {
		SessionID  string         `bson:"session_id"`
		Key        string         `bson:"key"`
		Seq        int64          `bson:"seq"`
		Kind       journal.Kind   `bson:"kind"`
		Status     journal.Status `bson:"status"`
		Payload    []byte         `bson:"payload,omitempty"`
		RecordedAt time.Time      `bson:"recorded_at"`
	}

	counterDocument struct {
		Seq int64 `bson:"seq"`
	}
)

const (
	defaultCollection         = "agentloop_journal"
	defaultCountersCollection = "agentloop_journal_counters"
	defaultTimeout            = 5 * time.Second
	clientName                = "journal-mongo"
)

// New returns a Client backed by the provided MongoDB client. It creates the
// indexes the store relies on: (session_id, key) and (session_id, seq) are
// both unique.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	records := opts.Collection
	if records == "" {
		records = defaultCollection
	}
	counters := opts.CountersCollection
	if counters == "" {
		counters = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:    opts.Client,
		records:  db.Collection(records),
		counters: db.Collection(counters),
		timeout:  timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append reserves the next sequence number of the session and inserts the
// record. A duplicate key leaves the reserved number unused, so sequences may
// have gaps but never go backwards.
func (c *client) Append(ctx context.Context, r *journal.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if _, err := c.Lookup(ctx, r.SessionID, r.Key); err == nil {
		return fmt.Errorf("%w: %s/%s", journal.ErrDuplicate, r.SessionID, r.Key)
	} else if !errors.Is(err, journal.ErrNotFound) {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var counter counterDocument
	err := c.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": r.SessionID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return fmt.Errorf("reserve sequence of %s: %w", r.SessionID, err)
	}

	recordedAt := r.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	doc := recordDocument{
		SessionID:  r.SessionID,
		Key:        r.Key,
		Seq:        counter.Seq,
		Kind:       r.Kind,
		Status:     r.Status,
		Payload:    append([]byte(nil), r.Payload...),
		RecordedAt: recordedAt.UTC(),
	}
	if _, err := c.records.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s/%s", journal.ErrDuplicate, r.SessionID, r.Key)
		}
		return err
	}
	r.Seq = doc.Seq
	r.RecordedAt = doc.RecordedAt
	return nil
}

func (c *client) Lookup(ctx context.Context, sessionID, key string) (*journal.Record, error) {
	if sessionID == "" || key == "" {
		return nil, errors.New("session id and key are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc recordDocument
	if err := c.records.FindOne(ctx, bson.M{"session_id": sessionID, "key": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, journal.ErrNotFound
		}
		return nil, err
	}
	return doc.toRecord(), nil
}

// List pages forward by sequence number. The cursor is the Seq of the last
// record of the previous page.
func (c *client) List(ctx context.Context, sessionID, cursor string, limit int) (page journal.Page, err error) {
	if sessionID == "" {
		return journal.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return journal.Page{}, errors.New("limit must be > 0")
	}
	after, err := parseCursor(cursor)
	if err != nil {
		return journal.Page{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.records.Find(ctx,
		bson.M{"session_id": sessionID, "seq": bson.M{"$gt": after}},
		options.Find().
			SetSort(bson.D{{Key: "seq", Value: 1}}).
			SetLimit(int64(limit+1)),
	)
	if err != nil {
		return journal.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var records []*journal.Record
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return journal.Page{}, err
		}
		records = append(records, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return journal.Page{}, err
	}
	var next string
	if len(records) > limit {
		records = records[:limit]
		next = strconv.FormatInt(records[limit-1].Seq, 10)
	}
	return journal.Page{Records: records, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	for _, keys := range []bson.D{
		{{Key: "session_id", Value: 1}, {Key: "key", Value: 1}},
		{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}},
	} {
		model := mongodriver.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
		if _, err := c.records.Indexes().CreateOne(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (doc recordDocument) toRecord() *journal.Record {
	return &journal.Record{
		SessionID:  doc.SessionID,
		Key:        doc.Key,
		Seq:        doc.Seq,
		Kind:       doc.Kind,
		Status:     doc.Status,
		Payload:    append([]byte(nil), doc.Payload...),
		RecordedAt: doc.RecordedAt.UTC(),
	}
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return n, nil
}
