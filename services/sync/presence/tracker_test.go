// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// recordingSink captures announced presence transitions.
type recordingSink struct {
	mu     sync.Mutex
	events []datatypes.PresenceEvent
}

func (r *recordingSink) PublishPresence(_ context.Context, _ string, ev datatypes.PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) all() []datatypes.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]datatypes.PresenceEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingSink) statuses() []datatypes.PresenceStatus {
	var out []datatypes.PresenceStatus
	for _, ev := range r.all() {
		out = append(out, ev.Status)
	}
	return out
}

// failingStore simulates a presence store outage.
type failingStore struct{}

func (failingStore) Set(context.Context, string, Entry) error { return assert.AnError }
func (failingStore) Remove(context.Context, string, string) error {
	return assert.AnError
}
func (failingStore) Session(context.Context, string) ([]Entry, error) {
	return nil, assert.AnError
}

func newTestTracker(cfg TrackerConfig) (*Tracker, *recordingSink) {
	sink := &recordingSink{}
	return NewTracker(NewMemoryStore(), sink, cfg), sink
}

func TestTracker_FirstConnectionAnnouncesOnline(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	status, ok := tr.Status("sess", "p1")
	require.True(t, ok)
	assert.Equal(t, datatypes.PresenceOnline, status)

	// A second tab does not re-announce.
	tr.Connect(ctx, "sess", "p1", "conn-2")
	assert.Equal(t, []datatypes.PresenceStatus{datatypes.PresenceOnline}, sink.statuses())
}

// TestTracker_ReconnectWithinGraceSuppressesOffline is the page-refresh
// scenario: the connection drops and a new one arrives before the grace
// period elapses. Nobody ever sees Offline.
func TestTracker_ReconnectWithinGraceSuppressesOffline(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{GracePeriod: 80 * time.Millisecond})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	tr.Disconnect(ctx, "sess", "p1", "conn-1")

	// Reconnect well inside the grace window.
	time.Sleep(20 * time.Millisecond)
	tr.Connect(ctx, "sess", "p1", "conn-2")

	// Wait out the original window to prove the timer was cancelled.
	time.Sleep(120 * time.Millisecond)

	for _, ev := range sink.all() {
		assert.NotEqual(t, datatypes.PresenceOffline, ev.Status)
	}
	status, ok := tr.Status("sess", "p1")
	require.True(t, ok)
	assert.Equal(t, datatypes.PresenceOnline, status)
}

func TestTracker_GraceExpiryAnnouncesOffline(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{GracePeriod: 30 * time.Millisecond})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	tr.Disconnect(ctx, "sess", "p1", "conn-1")

	require.Eventually(t, func() bool {
		evs := sink.all()
		return len(evs) == 2 && evs[1].Status == datatypes.PresenceOffline
	}, time.Second, 10*time.Millisecond)

	_, ok := tr.Status("sess", "p1")
	assert.False(t, ok, "offline participant should be forgotten")
}

func TestTracker_SecondTabKeepsParticipantOnline(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{GracePeriod: 30 * time.Millisecond})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	tr.Connect(ctx, "sess", "p1", "conn-2")
	tr.Disconnect(ctx, "sess", "p1", "conn-1")

	time.Sleep(80 * time.Millisecond)

	status, ok := tr.Status("sess", "p1")
	require.True(t, ok)
	assert.Equal(t, datatypes.PresenceOnline, status)
	assert.Equal(t, []datatypes.PresenceStatus{datatypes.PresenceOnline}, sink.statuses())
}

func TestTracker_AwaySweepAndRecovery(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{AwayTimeout: time.Minute})
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	tr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	tr.Connect(ctx, "sess", "p1", "conn-1")

	// Idle past the away timeout, then sweep.
	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()
	tr.sweepAway()

	status, _ := tr.Status("sess", "p1")
	assert.Equal(t, datatypes.PresenceAway, status)

	// Activity pops the participant back to Online.
	tr.RecordActivity(ctx, "sess", "p1")
	status, _ = tr.Status("sess", "p1")
	assert.Equal(t, datatypes.PresenceOnline, status)

	assert.Equal(t, []datatypes.PresenceStatus{
		datatypes.PresenceOnline,
		datatypes.PresenceAway,
		datatypes.PresenceOnline,
	}, sink.statuses())
}

func TestTracker_ActivityWhileOnlineIsSilent(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	tr.RecordActivity(ctx, "sess", "p1")
	tr.RecordActivity(ctx, "sess", "p1")

	assert.Len(t, sink.all(), 1)
}

// TestTracker_StoreOutageFailsOpen: with the shared store down,
// transitions are still announced and the roster falls back to the local
// view.
func TestTracker_StoreOutageFailsOpen(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(failingStore{}, sink, TrackerConfig{})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	assert.Len(t, sink.all(), 1, "announcement must not depend on the store")

	roster := tr.Roster(ctx, "sess")
	require.Len(t, roster, 1)
	assert.Equal(t, "p1", roster[0].ParticipantID)
	assert.Equal(t, datatypes.PresenceOnline, roster[0].Status)
}

func TestTracker_DropSessionCancelsGraceTimers(t *testing.T) {
	tr, sink := newTestTracker(TrackerConfig{GracePeriod: 30 * time.Millisecond})
	ctx := context.Background()

	tr.Connect(ctx, "sess", "p1", "conn-1")
	tr.Disconnect(ctx, "sess", "p1", "conn-1")
	tr.DropSession("sess")

	time.Sleep(80 * time.Millisecond)

	// The dropped session's pending Offline never fires.
	assert.Equal(t, []datatypes.PresenceStatus{datatypes.PresenceOnline}, sink.statuses())
}

func TestMemoryStore_SetRemoveSession(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "sess", Entry{ParticipantID: "p1", Status: datatypes.PresenceOnline}))
	require.NoError(t, s.Set(ctx, "sess", Entry{ParticipantID: "p2", Status: datatypes.PresenceAway}))

	entries, err := s.Session(ctx, "sess")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.Remove(ctx, "sess", "p1"))
	entries, err = s.Session(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "p2", entries[0].ParticipantID)
}
