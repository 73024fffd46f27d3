// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// recordingSink captures published lock events for assertions.
type recordingSink struct {
	mu       sync.Mutex
	events   []datatypes.LockEvent
	sessions []string
}

func (r *recordingSink) PublishLock(_ context.Context, sessionID string, ev datatypes.LockEvent, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.sessions = append(r.sessions, sessionID)
}

func (r *recordingSink) all() []datatypes.LockEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]datatypes.LockEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) sessionAt(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[i]
}

func TestManager_TryAcquirePublishesLockEvent(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(NewMemoryStore(), sink, DefaultManagerConfig())
	ctx := context.Background()

	res, err := m.TryAcquire(ctx, "sess-1", "piece-42", "p1", 0)
	require.NoError(t, err)
	require.True(t, res.Granted)
	assert.Equal(t, int64(1), res.Record.FencingToken)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "piece-42", events[0].ResourceID)
	assert.Equal(t, "p1", events[0].HolderID)
	require.NotNil(t, events[0].ExpiresAt)
}

func TestManager_DeniedAcquireReportsHolderWithoutEvent(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(NewMemoryStore(), sink, DefaultManagerConfig())
	ctx := context.Background()

	_, err := m.TryAcquire(ctx, "sess-1", "piece-42", "p1", 0)
	require.NoError(t, err)

	res, err := m.TryAcquire(ctx, "sess-1", "piece-42", "p2", 0)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, "p1", res.Record.HolderID)

	// Only the grant produced an event.
	assert.Len(t, sink.all(), 1)
}

func TestManager_ReleasePublishesUnlockedEvent(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(NewMemoryStore(), sink, DefaultManagerConfig())
	ctx := context.Background()

	res, err := m.TryAcquire(ctx, "sess-1", "piece-42", "p1", 0)
	require.NoError(t, err)

	ok, err := m.Release(ctx, "sess-1", "piece-42", "p1", res.Record.FencingToken)
	require.NoError(t, err)
	require.True(t, ok)

	events := sink.all()
	require.Len(t, events, 2)
	// Unlocked events carry no holder and no expiry.
	assert.Empty(t, events[1].HolderID)
	assert.Nil(t, events[1].ExpiresAt)
}

func TestManager_TTLClamping(t *testing.T) {
	cfg := ManagerConfig{DefaultTTL: 5 * time.Second, MaxTTL: 10 * time.Second}
	m := NewManager(NewMemoryStore(), nil, cfg)
	ctx := context.Background()

	t.Run("zero ttl uses default", func(t *testing.T) {
		res, err := m.TryAcquire(ctx, "s", "r1", "p1", 0)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, res.Record.ExpiresAt.Sub(res.Record.AcquiredAt))
	})

	t.Run("oversized ttl clamped to max", func(t *testing.T) {
		res, err := m.TryAcquire(ctx, "s", "r2", "p1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, res.Record.ExpiresAt.Sub(res.Record.AcquiredAt))
	})
}

func TestManager_ReleaseAllHeldBy(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(NewMemoryStore(), sink, DefaultManagerConfig())
	ctx := context.Background()

	for _, res := range []string{"piece-1", "piece-2", "piece-3"} {
		r, err := m.TryAcquire(ctx, "sess-1", res, "p1", 0)
		require.NoError(t, err)
		require.True(t, r.Granted)
	}
	other, err := m.TryAcquire(ctx, "sess-1", "piece-4", "p2", 0)
	require.NoError(t, err)
	require.True(t, other.Granted)

	released, err := m.ReleaseAllHeldBy(ctx, "sess-1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, released)

	// p2's lock is untouched.
	rec, found, err := m.Current(ctx, "piece-4")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p2", rec.HolderID)

	// p1 holds nothing now.
	_, found, err = m.Current(ctx, "piece-1")
	require.NoError(t, err)
	assert.False(t, found)
}

// TestManager_ReleaseAllHeldByScopesToSession covers a participant active
// in two sessions at once: leaving one must not free the pieces they are
// still holding in the other, and no unlock event may be published under
// the wrong session.
func TestManager_ReleaseAllHeldByScopesToSession(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(NewMemoryStore(), sink, DefaultManagerConfig())
	ctx := context.Background()

	morning, err := m.TryAcquire(ctx, "sess-morning", "piece-1", "p1", 0)
	require.NoError(t, err)
	require.True(t, morning.Granted)
	evening, err := m.TryAcquire(ctx, "sess-evening", "piece-2", "p1", 0)
	require.NoError(t, err)
	require.True(t, evening.Granted)

	released, err := m.ReleaseAllHeldBy(ctx, "sess-morning", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// The evening session's lock survives.
	rec, found, err := m.Current(ctx, "piece-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "p1", rec.HolderID)
	assert.Equal(t, "sess-evening", rec.SessionID)

	// The morning session's lock is gone.
	_, found, err = m.Current(ctx, "piece-1")
	require.NoError(t, err)
	assert.False(t, found)

	// Two grant events plus exactly one unlock, for piece-1 only, and
	// the unlock is scoped to the session the participant left.
	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, "piece-1", events[2].ResourceID)
	assert.Empty(t, events[2].HolderID)
	assert.Equal(t, "sess-morning", sink.sessionAt(2))
}
