// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package presence derives and announces participant availability.
//
// # Description
//
// Presence is display-layer state: an avatar dims, a cursor label greys
// out. Its derivation runs in each instance's tracker; the store is the
// shared view peers read so a participant connected to another instance
// still shows up. Unlike locks, presence FAILS OPEN: a store outage
// degrades the avatar display, it never blocks puzzle work.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// Entry is one participant's stored presence.
type Entry struct {
	ParticipantID string                   `json:"participant_id"`
	Status        datatypes.PresenceStatus `json:"status"`
	LastActiveAt  time.Time                `json:"last_active_at"`
}

// Store is the shared presence view. Implementations are best-effort;
// callers treat every error as degradation, not failure.
type Store interface {
	// Set upserts a participant's presence in a session.
	Set(ctx context.Context, sessionID string, e Entry) error

	// Remove deletes a participant's presence entry.
	Remove(ctx context.Context, sessionID, participantID string) error

	// Session lists the stored presence of a session's participants.
	Session(ctx context.Context, sessionID string) ([]Entry, error)
}

// MemoryStore is the single-instance store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Entry
}

// NewMemoryStore creates an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]Entry)}
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, sessionID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		m = make(map[string]Entry)
		s.sessions[sessionID] = m
	}
	m[e.ParticipantID] = e
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.sessions[sessionID]; ok {
		delete(m, participantID)
		if len(m) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	return nil
}

// Session implements Store.
func (s *MemoryStore) Session(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.sessions[sessionID]
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
