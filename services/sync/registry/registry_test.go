// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
	badgerstore "github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/storage/badger"
)

func TestRegistry_CreateAndJoin(t *testing.T) {
	r := New(nil, Config{})

	s := r.CreateSession("puzzle-500")
	require.NotEmpty(t, s.ID)
	assert.Equal(t, datatypes.SessionActive, s.Status)
	assert.Equal(t, "puzzle-500", s.PuzzleRef)

	assert.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p1", "conn-1"))
	assert.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p2", "conn-2"))

	parts, ok := r.GetParticipants(s.ID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"p1", "p2"}, parts)
}

func TestRegistry_JoinUnknownSession(t *testing.T) {
	r := New(nil, Config{})
	assert.Equal(t, JoinSessionNotFound, r.JoinSession("nope", "p1", "conn-1"))
}

func TestRegistry_CapacityEnforced(t *testing.T) {
	r := New(nil, Config{MaxParticipants: 2})
	s := r.CreateSession("puzzle-1")

	require.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p1", "conn-1"))
	require.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p2", "conn-2"))
	assert.Equal(t, JoinSessionFull, r.JoinSession(s.ID, "p3", "conn-3"))

	// An existing participant's second tab is not a new member.
	assert.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p1", "conn-4"))
}

func TestRegistry_LeaveIsConnectionGranular(t *testing.T) {
	r := New(nil, Config{})
	s := r.CreateSession("puzzle-1")
	require.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p1", "conn-1"))
	require.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p1", "conn-2"))

	// First tab closes: still a member.
	assert.False(t, r.LeaveSession(s.ID, "p1", "conn-1"))
	parts, _ := r.GetParticipants(s.ID)
	assert.Contains(t, parts, "p1")

	// Last tab closes: gone.
	assert.True(t, r.LeaveSession(s.ID, "p1", "conn-2"))
	parts, _ = r.GetParticipants(s.ID)
	assert.NotContains(t, parts, "p1")
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New(nil, Config{})
	s := r.CreateSession("puzzle-1")
	require.Equal(t, JoinAccepted, r.JoinSession(s.ID, "p1", "conn-1"))

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	got.Participants[0] = "tampered"

	parts, _ := r.GetParticipants(s.ID)
	assert.Equal(t, []string{"p1"}, parts)
}

func TestRegistry_InactivitySweepAbandonsAndCleans(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	r := New(NewArchive(db), Config{InactivityTimeout: time.Minute})

	var mu sync.Mutex
	var dropped []string
	r.AddCleaner(CleanerFunc(func(sessionID string) {
		mu.Lock()
		defer mu.Unlock()
		dropped = append(dropped, sessionID)
	}))

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	stale := r.CreateSession("puzzle-old")

	now = base.Add(2 * time.Minute)
	fresh := r.CreateSession("puzzle-new")

	r.sweepAbandoned(context.Background())

	// The stale session is gone from the active set, cleaned, and
	// archived as abandoned.
	_, ok := r.Get(stale.ID)
	assert.False(t, ok)
	assert.Equal(t, []string{stale.ID}, dropped)

	archived, found, err := NewArchive(db).Get(context.Background(), stale.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, datatypes.SessionAbandoned, archived.Status)

	// The fresh one survives.
	_, ok = r.Get(fresh.ID)
	assert.True(t, ok)
}

func TestRegistry_TouchDefersAbandonment(t *testing.T) {
	r := New(nil, Config{InactivityTimeout: time.Minute})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	s := r.CreateSession("puzzle-1")

	now = base.Add(50 * time.Second)
	r.Touch(s.ID)

	now = base.Add(90 * time.Second)
	r.sweepAbandoned(context.Background())

	_, ok := r.Get(s.ID)
	assert.True(t, ok, "touched session must not be abandoned")
}

func TestRegistry_CompleteSessionArchives(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	archive := NewArchive(db)
	r := New(archive, Config{})
	s := r.CreateSession("puzzle-1")

	require.True(t, r.CompleteSession(context.Background(), s.ID))
	assert.False(t, r.CompleteSession(context.Background(), s.ID), "second complete is a no-op")

	_, ok := r.Get(s.ID)
	assert.False(t, ok)

	archived, found, err := archive.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, datatypes.SessionCompleted, archived.Status)
}

func TestArchive_GetMissing(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, found, err := NewArchive(db).Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestArchive_List(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	archive := NewArchive(db)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, archive.Put(ctx, datatypes.Session{
			ID:     id,
			Status: datatypes.SessionCompleted,
		}))
	}

	all, err := archive.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
