// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry manages session lifecycle and participant membership.
//
// # Description
//
// A session is one collaborative puzzle-solving instance. The registry
// is its source of truth: creation, join/leave with capacity
// enforcement, inactivity abandonment, and archival of finished
// sessions. Membership is connection-granular (two tabs are two
// connections, one participant) but the session's participant list holds
// each participant once.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// JoinOutcome is the result of a join attempt.
type JoinOutcome string

const (
	// JoinAccepted means the participant is now a session member.
	JoinAccepted JoinOutcome = "accepted"

	// JoinSessionNotFound means no active session has that ID.
	JoinSessionNotFound JoinOutcome = "session_not_found"

	// JoinSessionFull means the capacity limit was reached.
	JoinSessionFull JoinOutcome = "session_full"
)

// Cleaner is notified when a session leaves the active set so dependent
// state (locks, resource values, presence) can be discarded.
type Cleaner interface {
	DropSession(sessionID string)
}

// CleanerFunc adapts a function to the Cleaner interface.
type CleanerFunc func(sessionID string)

func (f CleanerFunc) DropSession(sessionID string) { f(sessionID) }

// Config holds registry settings.
type Config struct {
	// MaxParticipants caps a session's membership. Default: 16.
	MaxParticipants int

	// InactivityTimeout is how long without any join, mutation, or
	// heartbeat before a session is abandoned. Default: 30m.
	InactivityTimeout time.Duration

	// SweepInterval is how often the abandonment sweep runs.
	// Default: 1m.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxParticipants:   16,
		InactivityTimeout: 30 * time.Minute,
		SweepInterval:     time.Minute,
	}
}

func applyConfigDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = def.MaxParticipants
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return cfg
}

// liveSession pairs the session record with its connection-granular
// membership.
type liveSession struct {
	session datatypes.Session

	// conns maps participant ID to that participant's live connection
	// IDs. A participant leaves the session only when the set empties.
	conns map[string]map[string]struct{}
}

// Registry is the active-session store.
type Registry struct {
	cfg     Config
	archive *Archive // may be nil (archival disabled)
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*liveSession

	cleaners []Cleaner

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a registry. archive may be nil to disable archival. Call
// Start to begin the abandonment sweep and Stop on shutdown.
func New(archive *Archive, cfg Config) *Registry {
	return &Registry{
		cfg:      applyConfigDefaults(cfg),
		archive:  archive,
		now:      time.Now,
		sessions: make(map[string]*liveSession),
		done:     make(chan struct{}),
	}
}

// AddCleaner registers a hook invoked when a session completes or is
// abandoned. Call before serving traffic.
func (r *Registry) AddCleaner(c Cleaner) {
	r.cleaners = append(r.cleaners, c)
}

// Start launches the inactivity sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweep.
func (r *Registry) Stop() {
	close(r.done)
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweepAbandoned(context.Background())
		}
	}
}

// sweepAbandoned closes sessions idle past the inactivity timeout.
func (r *Registry) sweepAbandoned(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.InactivityTimeout)

	r.mu.Lock()
	var abandoned []datatypes.Session
	for id, ls := range r.sessions {
		if ls.session.LastActivity.Before(cutoff) {
			ls.session.Status = datatypes.SessionAbandoned
			abandoned = append(abandoned, ls.session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range abandoned {
		slog.Info("session abandoned after inactivity",
			"session_id", s.ID,
			"last_activity", s.LastActivity)
		r.retire(ctx, s)
	}
}

// retire archives a closed session and runs cleanup hooks.
func (r *Registry) retire(ctx context.Context, s datatypes.Session) {
	if r.archive != nil {
		if err := r.archive.Put(ctx, s); err != nil {
			slog.Error("failed to archive session",
				"session_id", s.ID,
				"status", s.Status,
				"error", err)
		}
	}
	for _, c := range r.cleaners {
		c.DropSession(s.ID)
	}
}

// CreateSession starts a new active session for a puzzle and returns it.
func (r *Registry) CreateSession(puzzleRef string) datatypes.Session {
	now := r.now()
	s := datatypes.Session{
		ID:           uuid.NewString(),
		PuzzleRef:    puzzleRef,
		CreatedAt:    now,
		Status:       datatypes.SessionActive,
		LastActivity: now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = &liveSession{
		session: s,
		conns:   make(map[string]map[string]struct{}),
	}
	r.mu.Unlock()

	slog.Info("session created", "session_id", s.ID, "puzzle_ref", puzzleRef)
	return s
}

// JoinSession adds a connection to a session. A participant already in
// the session (another tab) always succeeds regardless of capacity.
func (r *Registry) JoinSession(sessionID, participantID, connID string) JoinOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.sessions[sessionID]
	if !ok {
		return JoinSessionNotFound
	}

	conns, member := ls.conns[participantID]
	if !member {
		if len(ls.conns) >= r.cfg.MaxParticipants {
			return JoinSessionFull
		}
		conns = make(map[string]struct{})
		ls.conns[participantID] = conns
		ls.session.Participants = append(ls.session.Participants, participantID)
	}
	conns[connID] = struct{}{}
	ls.session.LastActivity = r.now()
	return JoinAccepted
}

// LeaveSession removes one connection. The participant leaves the
// session only when their last connection is gone; left reports that.
func (r *Registry) LeaveSession(sessionID, participantID, connID string) (left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	conns, member := ls.conns[participantID]
	if !member {
		return false
	}
	delete(conns, connID)
	if len(conns) > 0 {
		return false
	}

	delete(ls.conns, participantID)
	ls.session.Participants = slices.DeleteFunc(ls.session.Participants,
		func(id string) bool { return id == participantID })
	ls.session.LastActivity = r.now()
	return true
}

// CompleteSession closes an active session as finished and retires it.
func (r *Registry) CompleteSession(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	ls.session.Status = datatypes.SessionCompleted
	s := ls.session
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	slog.Info("session completed", "session_id", sessionID)
	r.retire(ctx, s)
	return true
}

// Touch records activity on a session, deferring abandonment.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	if ls, ok := r.sessions[sessionID]; ok {
		ls.session.LastActivity = r.now()
	}
	r.mu.Unlock()
}

// Get returns an active session by ID.
func (r *Registry) Get(sessionID string) (datatypes.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		return datatypes.Session{}, false
	}
	return cloneSession(ls.session), true
}

// GetParticipants lists a session's current participant IDs.
func (r *Registry) GetParticipants(sessionID string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return slices.Clone(ls.session.Participants), true
}

// List returns all active sessions.
func (r *Registry) List() []datatypes.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]datatypes.Session, 0, len(r.sessions))
	for _, ls := range r.sessions {
		out = append(out, cloneSession(ls.session))
	}
	return out
}

// cloneSession copies a session so callers never alias the registry's
// participant slice.
func cloneSession(s datatypes.Session) datatypes.Session {
	s.Participants = slices.Clone(s.Participants)
	return s
}
