// Package inmem provides an in-memory journal.Store. It survives engine
// restarts within one process, which is what recovery tests rely on, but not
// process exit.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"goa.design/agentloop/runtime/agent/journal"
)

// Store implements journal.Store in memory.
type Store struct {
	mu      sync.Mutex
	records map[string][]*journal.Record
	keys    map[string]map[string]*journal.Record
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[string][]*journal.Record),
		keys:    make(map[string]map[string]*journal.Record),
	}
}

// Append implements journal.Store.
func (s *Store) Append(_ context.Context, r *journal.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.keys[r.SessionID]
	if byKey == nil {
		byKey = make(map[string]*journal.Record)
		s.keys[r.SessionID] = byKey
	}
	if _, ok := byKey[r.Key]; ok {
		return fmt.Errorf("%w: %s/%s", journal.ErrDuplicate, r.SessionID, r.Key)
	}
	r.Seq = int64(len(s.records[r.SessionID]) + 1)
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	stored := *r
	s.records[r.SessionID] = append(s.records[r.SessionID], &stored)
	byKey[r.Key] = &stored
	return nil
}

// Lookup implements journal.Store.
func (s *Store) Lookup(_ context.Context, sessionID, key string) (*journal.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.keys[sessionID][key]
	if !ok {
		return nil, journal.ErrNotFound
	}
	out := *r
	return &out, nil
}

// List implements journal.Store. The cursor is the Seq of the last record of
// the previous page.
func (s *Store) List(_ context.Context, sessionID, cursor string, limit int) (journal.Page, error) {
	if sessionID == "" {
		return journal.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return journal.Page{}, errors.New("limit must be > 0")
	}
	var after int
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return journal.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		after = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.records[sessionID]
	if after >= len(all) {
		return journal.Page{}, nil
	}
	end := min(after+limit, len(all))
	page := journal.Page{Records: make([]*journal.Record, 0, end-after)}
	for _, r := range all[after:end] {
		c := *r
		page.Records = append(page.Records, &c)
	}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
