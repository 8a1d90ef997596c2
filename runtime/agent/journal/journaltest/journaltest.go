// Package journaltest checks journal.Store implementations against the store
// contract. Store packages call Run from their tests.
package journaltest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentloop/runtime/agent/journal"
)

// Run exercises s. Session IDs are prefixed with prefix so stores backed by
// a shared database can be tested repeatedly.
func Run(t *testing.T, prefix string, s journal.Store) {
	t.Helper()
	ctx := context.Background()
	sid := func(name string) string { return prefix + name }

	t.Run("AppendAssignsIncreasingSeq", func(t *testing.T) {
		id := sid("seq")
		var last int64
		for i := range 5 {
			r := &journal.Record{
				SessionID: id,
				Key:       fmt.Sprintf("%s/1/%d", id, i+1),
				Kind:      journal.KindTool,
				Status:    journal.StatusSucceeded,
				Payload:   []byte(`{"n":1}`),
			}
			require.NoError(t, s.Append(ctx, r))
			assert.Greater(t, r.Seq, last)
			last = r.Seq
		}
	})

	t.Run("DuplicateKeyKeepsFirstRecord", func(t *testing.T) {
		id := sid("dup")
		require.NoError(t, s.Append(ctx, &journal.Record{
			SessionID: id, Key: "k", Kind: journal.KindPlan, Status: journal.StatusSucceeded, Payload: []byte(`"first"`),
		}))
		err := s.Append(ctx, &journal.Record{
			SessionID: id, Key: "k", Kind: journal.KindPlan, Status: journal.StatusFailed, Payload: []byte(`"second"`),
		})
		require.ErrorIs(t, err, journal.ErrDuplicate)

		got, err := s.Lookup(ctx, id, "k")
		require.NoError(t, err)
		assert.Equal(t, journal.StatusSucceeded, got.Status)
		assert.JSONEq(t, `"first"`, string(got.Payload))
		assert.Equal(t, journal.KindPlan, got.Kind)
		assert.False(t, got.RecordedAt.IsZero())
	})

	t.Run("LookupMissing", func(t *testing.T) {
		_, err := s.Lookup(ctx, sid("missing"), "nope")
		require.ErrorIs(t, err, journal.ErrNotFound)
	})

	t.Run("ListPagesInOrder", func(t *testing.T) {
		id := sid("list")
		keys := []string{"a", "b", "c", "d", "e"}
		for _, k := range keys {
			require.NoError(t, s.Append(ctx, &journal.Record{SessionID: id, Key: k, Kind: journal.KindTool, Status: journal.StatusSucceeded}))
		}
		page, err := s.List(ctx, id, "", 2)
		require.NoError(t, err)
		require.Len(t, page.Records, 2)
		require.NotEmpty(t, page.NextCursor)

		all, err := journal.ListAll(ctx, s, id)
		require.NoError(t, err)
		got := make([]string, 0, len(all))
		for i, r := range all {
			got = append(got, r.Key)
			if i > 0 {
				assert.Greater(t, r.Seq, all[i-1].Seq)
			}
		}
		assert.Equal(t, keys, got)

		other, err := s.List(ctx, sid("empty"), "", 10)
		require.NoError(t, err)
		assert.Empty(t, other.Records)
		assert.Empty(t, other.NextCursor)
	})

	t.Run("ConcurrentAppendsOfOneKeyConverge", func(t *testing.T) {
		id := sid("race")
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Append(ctx, &journal.Record{SessionID: id, Key: "step", Kind: journal.KindTool, Status: journal.StatusSucceeded})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, journal.ErrDuplicate)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("RejectsInvalidRecords", func(t *testing.T) {
		require.Error(t, s.Append(ctx, nil))
		require.Error(t, s.Append(ctx, &journal.Record{Key: "k"}))
		require.Error(t, s.Append(ctx, &journal.Record{SessionID: sid("x")}))
	})
}
