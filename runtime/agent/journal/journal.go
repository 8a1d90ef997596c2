// Package journal defines the append-only step journal that backs the
// in-memory durable engine and the side-effect executor.
//
// Each session owns an ordered sequence of records. A record is keyed by a
// string unique within the session (a step identity such as "s1/3/2", or an
// engine-owned key such as "submission/4"). Appending a key twice fails with
// ErrDuplicate so concurrent executions of the same step converge on the first
// recorded result.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned by Append when the key is already recorded.
	ErrDuplicate = errors.New("journal: duplicate key")
	// ErrNotFound is returned by Lookup when the key is not recorded.
	ErrNotFound = errors.New("journal: not found")
)

type (
	// Status is the terminal state of a recorded step.
	Status string

	// Kind tags what produced the record.
	Kind string

	// Record is a single immutable journal entry.
	Record struct {
		// SessionID is the owning session.
		SessionID string `json:"session_id"`
		// Key is unique within the session.
		Key string `json:"key"`
		// Seq is assigned by the store on append. It is 1-based and strictly
		// increasing within a session.
		Seq int64 `json:"seq"`
		// Kind tags the producer.
		Kind Kind `json:"kind"`
		// Status is the step outcome.
		Status Status `json:"status"`
		// Payload is the JSON-encoded step result.
		Payload json.RawMessage `json:"payload,omitempty"`
		// RecordedAt is the wall-clock time of the append.
		RecordedAt time.Time `json:"recorded_at"`
	}

	// Page is a forward page of records.
	Page struct {
		// Records are ordered by Seq.
		Records []*Record
		// NextCursor is empty when there are no further records.
		NextCursor string
	}

	// Store is a durable append-only journal.
	//
	// Contract:
	// - Append is durable when it returns nil; it assigns Seq.
	// - Append of an existing (SessionID, Key) returns ErrDuplicate and leaves
	//   the stored record unchanged.
	// - List returns records ordered by Seq; cursors are opaque.
	Store interface {
		Append(ctx context.Context, r *Record) error
		Lookup(ctx context.Context, sessionID, key string) (*Record, error)
		List(ctx context.Context, sessionID, cursor string, limit int) (Page, error)
	}
)

const (
	StatusSucceeded Status = "succeeded"
	// StatusFailed records a classified permanent failure (or an exhausted
	// transient one). The payload still holds the step output.
	StatusFailed Status = "failed"
	// StatusCanceled records a step aborted by a turn cancel.
	StatusCanceled Status = "canceled"
)

const (
	KindPlan       Kind = "plan"
	KindTool       Kind = "tool"
	KindDiscovery  Kind = "discovery"
	KindSubmission Kind = "submission"
	KindRefresh    Kind = "refresh"
	KindClose      Kind = "close"
)

// Validate checks the fields every store requires.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("journal: record is required")
	}
	if r.SessionID == "" {
		return errors.New("journal: session id is required")
	}
	if r.Key == "" {
		return errors.New("journal: key is required")
	}
	return nil
}

// ListAll pages through every record of a session.
func ListAll(ctx context.Context, s Store, sessionID string) ([]*Record, error) {
	const pageSize = 200
	var (
		all    []*Record
		cursor string
	)
	for {
		page, err := s.List(ctx, sessionID, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}
