// Package redis provides a Redis-backed journal.Store. Each session keeps an
// ordered list of record keys plus two hashes (records and sequence numbers);
// appends run as a single Lua script so a key is recorded at most once and
// sequence numbers are the 1-based list positions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/clue/health"

	"goa.design/agentloop/runtime/agent/journal"
)

type (
	// Store implements journal.Store on Redis.
	Store struct {
		rdb    redis.UniversalClient
		prefix string
	}

	// Options configures the store.
	Options struct {
		// Client is required.
		Client redis.UniversalClient
		// Prefix namespaces the keys. Default: agentloop:journal.
		Prefix string
	}
)

const defaultPrefix = "agentloop:journal"

var (
	_ journal.Store = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// appendScript records ARGV[2] under key ARGV[1] unless the key exists. It
// returns the new sequence number, or 0 for a duplicate.
var appendScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
local seq = redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], seq)
return seq
`)

// New returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "journal-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Append implements journal.Store.
func (s *Store) Append(ctx context.Context, r *journal.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	stored := *r
	stored.Seq = 0
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	order, records, seqs := s.keys(r.SessionID)
	seq, err := appendScript.Run(ctx, s.rdb, []string{order, records, seqs}, r.Key, payload).Int64()
	if err != nil {
		return fmt.Errorf("append %s/%s: %w", r.SessionID, r.Key, err)
	}
	if seq == 0 {
		return fmt.Errorf("%w: %s/%s", journal.ErrDuplicate, r.SessionID, r.Key)
	}
	r.Seq = seq
	r.RecordedAt = stored.RecordedAt
	return nil
}

// Lookup implements journal.Store.
func (s *Store) Lookup(ctx context.Context, sessionID, key string) (*journal.Record, error) {
	if sessionID == "" || key == "" {
		return nil, errors.New("session id and key are required")
	}
	_, records, seqs := s.keys(sessionID)
	var (
		raw *redis.StringCmd
		seq *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		raw = p.HGet(ctx, records, key)
		seq = p.HGet(ctx, seqs, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, journal.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n, err := seq.Int64()
	if err != nil {
		return nil, fmt.Errorf("decode sequence of %s/%s: %w", sessionID, key, err)
	}
	return decode(raw.Val(), n)
}

// List implements journal.Store. The cursor is the Seq of the last record of
// the previous page.
func (s *Store) List(ctx context.Context, sessionID, cursor string, limit int) (journal.Page, error) {
	if sessionID == "" {
		return journal.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return journal.Page{}, errors.New("limit must be > 0")
	}
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || n < 0 {
			return journal.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		after = n
	}
	order, records, _ := s.keys(sessionID)
	// One extra key tells whether another page follows.
	keys, err := s.rdb.LRange(ctx, order, after, after+int64(limit)).Result()
	if err != nil {
		return journal.Page{}, err
	}
	if len(keys) == 0 {
		return journal.Page{}, nil
	}
	more := len(keys) > limit
	if more {
		keys = keys[:limit]
	}
	vals, err := s.rdb.HMGet(ctx, records, keys...).Result()
	if err != nil {
		return journal.Page{}, err
	}
	page := journal.Page{Records: make([]*journal.Record, 0, len(keys))}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return journal.Page{}, fmt.Errorf("record %s/%s is missing", sessionID, keys[i])
		}
		rec, err := decode(str, after+int64(i)+1)
		if err != nil {
			return journal.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if more {
		page.NextCursor = strconv.FormatInt(after+int64(limit), 10)
	}
	return page, nil
}

// keys returns the list and hash keys of a session. The hash tag keeps them
// in one cluster slot so the append script can touch all three.
func (s *Store) keys(sessionID string) (order, records, seqs string) {
	base := fmt.Sprintf("%s:{%s}", s.prefix, sessionID)
	return base + ":order", base + ":records", base + ":seqs"
}

func decode(raw string, seq int64) (*journal.Record, error) {
	var r journal.Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	r.Seq = seq
	return &r, nil
}
