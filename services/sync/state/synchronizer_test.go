// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/lock"
)

func newTestSync() (*Synchronizer, *lock.Manager) {
	locks := lock.NewManager(lock.NewMemoryStore(), nil, lock.ManagerConfig{
		DefaultTTL: 50 * time.Millisecond,
		MaxTTL:     time.Minute,
	})
	return NewSynchronizer(locks, nil), locks
}

func moveMutation(x, y float64) datatypes.Mutation {
	return datatypes.Mutation{Kind: datatypes.MutationMove, X: x, Y: y}
}

func TestApplyMutation_RequiresLock(t *testing.T) {
	s, _ := newTestSync()
	ctx := context.Background()

	res, err := s.ApplyMutation(ctx, "sess", "piece-1", "p1", 1, moveMutation(1, 2))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, datatypes.ReasonLockRequired, res.Reason)
}

func TestApplyMutation_RejectsNonHolder(t *testing.T) {
	s, locks := newTestSync()
	ctx := context.Background()

	granted, err := locks.TryAcquire(ctx, "sess", "piece-1", "p1", time.Minute)
	require.NoError(t, err)
	require.True(t, granted.Granted)

	res, err := s.ApplyMutation(ctx, "sess", "piece-1", "p2", granted.Record.FencingToken, moveMutation(1, 2))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, datatypes.ReasonNotHolder, res.Reason)
	assert.Equal(t, "p1", res.HolderID)
}

func TestApplyMutation_RejectsUnknownKind(t *testing.T) {
	s, _ := newTestSync()
	ctx := context.Background()

	res, err := s.ApplyMutation(ctx, "sess", "piece-1", "p1", 1,
		datatypes.Mutation{Kind: "teleport"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, datatypes.ReasonInvalidPayload, res.Reason)
}

// TestApplyMutation_StaleTokenAfterExpiry replays the canonical lost
// update scenario: A acquires (token 1), applies once, lets the TTL
// elapse; B acquires (token 2); A's delayed write with token 1 must be
// rejected.
func TestApplyMutation_StaleTokenAfterExpiry(t *testing.T) {
	s, locks := newTestSync()
	ctx := context.Background()

	a, err := locks.TryAcquire(ctx, "sess", "piece-42", "pA", 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, a.Granted)
	require.Equal(t, int64(1), a.Record.FencingToken)

	res, err := s.ApplyMutation(ctx, "sess", "piece-42", "pA", 1, moveMutation(10, 10))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, int64(1), res.Sequenced.Sequence)

	// Let A's lock expire without renewal.
	time.Sleep(50 * time.Millisecond)

	b, err := locks.TryAcquire(ctx, "sess", "piece-42", "pB", time.Minute)
	require.NoError(t, err)
	require.True(t, b.Granted)
	require.Equal(t, int64(2), b.Record.FencingToken)

	// A, unaware, submits a delayed mutation with its old token.
	res, err = s.ApplyMutation(ctx, "sess", "piece-42", "pA", 1, moveMutation(99, 99))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, datatypes.ReasonStaleToken, res.Reason)

	// B's write with the current token goes through.
	res, err = s.ApplyMutation(ctx, "sess", "piece-42", "pB", 2, moveMutation(20, 20))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, int64(2), res.Sequenced.Sequence)

	// The canonical value is B's, not A's clobber.
	cur, ok := s.GetCurrentState("sess", "piece-42")
	require.True(t, ok)
	assert.Equal(t, 20.0, cur.Value.X)
}

// delayedReplyStore wraps a real store but lets the test queue a canned
// Get reply, modeling a lock lookup whose answer was already in flight
// when the lock changed hands.
type delayedReplyStore struct {
	lock.Store
	mu     sync.Mutex
	queued []lock.Record
}

func (s *delayedReplyStore) queueReply(rec lock.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, rec)
}

func (s *delayedReplyStore) Get(ctx context.Context, resourceID string) (lock.Record, bool, error) {
	s.mu.Lock()
	if len(s.queued) > 0 {
		rec := s.queued[0]
		s.queued = s.queued[1:]
		s.mu.Unlock()
		return rec, true, nil
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, resourceID)
}

// TestApplyMutation_DelayedLookupCannotClobberNewHolder covers the race
// the lock lookup alone cannot close: A's gate check reads a lock reply
// produced before A's TTL expired, B takes over and applies, and A's
// stale write lands afterwards. The token re-check inside the
// per-resource critical section must reject it.
func TestApplyMutation_DelayedLookupCannotClobberNewHolder(t *testing.T) {
	store := &delayedReplyStore{Store: lock.NewMemoryStore()}
	locks := lock.NewManager(store, nil, lock.ManagerConfig{
		DefaultTTL: 20 * time.Millisecond,
		MaxTTL:     time.Minute,
	})
	s := NewSynchronizer(locks, nil)
	ctx := context.Background()

	a, err := locks.TryAcquire(ctx, "sess", "piece-13", "pA", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, a.Granted)

	// A's lease lapses and B takes over with a larger token.
	time.Sleep(40 * time.Millisecond)
	b, err := locks.TryAcquire(ctx, "sess", "piece-13", "pB", time.Minute)
	require.NoError(t, err)
	require.True(t, b.Granted)
	require.Greater(t, b.Record.FencingToken, a.Record.FencingToken)

	res, err := s.ApplyMutation(ctx, "sess", "piece-13", "pB", b.Record.FencingToken, moveMutation(222, 0))
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, int64(1), res.Sequenced.Sequence)

	// A's write arrives now, but the gate sees a lock reply that left the
	// store while A still held the lease.
	store.queueReply(a.Record)
	res, err = s.ApplyMutation(ctx, "sess", "piece-13", "pA", a.Record.FencingToken, moveMutation(111, 0))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, datatypes.ReasonStaleToken, res.Reason)

	// The canonical state is B's, at B's sequence.
	cur, ok := s.GetCurrentState("sess", "piece-13")
	require.True(t, ok)
	assert.Equal(t, int64(1), cur.Sequence)
	assert.Equal(t, 222.0, cur.Value.X)
}

// TestApplyMutation_SequencesAreGapFree applies many mutations
// concurrently (all by the lock holder) and asserts the issued sequence
// numbers are exactly 1..n.
func TestApplyMutation_SequencesAreGapFree(t *testing.T) {
	s, locks := newTestSync()
	ctx := context.Background()

	granted, err := locks.TryAcquire(ctx, "sess", "piece-7", "p1", time.Minute)
	require.NoError(t, err)
	require.True(t, granted.Granted)
	token := granted.Record.FencingToken

	const n = 200
	seqs := make([]int64, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ApplyMutation(ctx, "sess", "piece-7", "p1", token, moveMutation(float64(i), 0))
			assert.NoError(t, err)
			assert.True(t, res.Applied)
			mu.Lock()
			seqs = append(seqs, res.Sequenced.Sequence)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, seqs, n)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		require.Equal(t, int64(i+1), seq, "sequence gap or duplicate at position %d", i)
	}
}

func TestSessionSnapshot(t *testing.T) {
	s, locks := newTestSync()
	ctx := context.Background()

	for _, piece := range []string{"piece-1", "piece-2"} {
		granted, err := locks.TryAcquire(ctx, "sess", piece, "p1", time.Minute)
		require.NoError(t, err)
		res, err := s.ApplyMutation(ctx, "sess", piece, "p1", granted.Record.FencingToken, moveMutation(1, 1))
		require.NoError(t, err)
		require.True(t, res.Applied)
	}

	snap := s.SessionSnapshot("sess")
	assert.Len(t, snap, 2)

	// Other sessions see nothing.
	assert.Empty(t, s.SessionSnapshot("other"))

	s.DropSession("sess")
	assert.Empty(t, s.SessionSnapshot("sess"))
}
