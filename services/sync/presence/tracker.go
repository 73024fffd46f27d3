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
	"log/slog"
	"sync"
	"time"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// EventSink receives presence transitions for fan-out to the session.
type EventSink interface {
	PublishPresence(ctx context.Context, sessionID string, ev datatypes.PresenceEvent)
}

// TrackerConfig holds presence derivation settings.
type TrackerConfig struct {
	// GracePeriod is how long after the last connection drops before the
	// participant is announced Offline. A page refresh or a brief network
	// blip reconnects inside this window with no visible flicker.
	// Default: 10s.
	GracePeriod time.Duration

	// AwayTimeout is how long without activity before a connected
	// participant is announced Away. Default: 90s.
	AwayTimeout time.Duration

	// SweepInterval is how often the away sweep runs. Default: 15s.
	SweepInterval time.Duration
}

// DefaultTrackerConfig returns production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		GracePeriod:   10 * time.Second,
		AwayTimeout:   90 * time.Second,
		SweepInterval: 15 * time.Second,
	}
}

func applyTrackerDefaults(cfg TrackerConfig) TrackerConfig {
	def := DefaultTrackerConfig()
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.AwayTimeout <= 0 {
		cfg.AwayTimeout = def.AwayTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return cfg
}

// entry is one participant's live tracking state on this instance.
type entry struct {
	conns      map[string]struct{}
	status     datatypes.PresenceStatus
	lastActive time.Time
	grace      *time.Timer
}

// Tracker derives Online/Away/Offline from connection lifecycle and
// activity, announces transitions, and writes through to the shared
// store.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracker struct {
	cfg   TrackerConfig
	store Store
	sink  EventSink // may be nil
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]map[string]*entry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewTracker creates a presence tracker. Call Start to begin the away
// sweep and Stop on shutdown.
func NewTracker(store Store, sink EventSink, cfg TrackerConfig) *Tracker {
	return &Tracker{
		cfg:      applyTrackerDefaults(cfg),
		store:    store,
		sink:     sink,
		now:      time.Now,
		sessions: make(map[string]map[string]*entry),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic away sweep.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop halts the sweep and cancels pending grace timers.
func (t *Tracker) Stop() {
	close(t.done)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.sessions {
		for _, e := range m {
			if e.grace != nil {
				e.grace.Stop()
			}
		}
	}
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweepAway()
		}
	}
}

// sweepAway demotes idle connected participants to Away.
func (t *Tracker) sweepAway() {
	cutoff := t.now().Add(-t.cfg.AwayTimeout)

	t.mu.Lock()
	var transitions []datatypes.PresenceEvent
	var sessionIDs []string
	for sessionID, m := range t.sessions {
		for pid, e := range m {
			if e.status == datatypes.PresenceOnline && e.lastActive.Before(cutoff) {
				e.status = datatypes.PresenceAway
				transitions = append(transitions, datatypes.PresenceEvent{
					ParticipantID: pid,
					Status:        datatypes.PresenceAway,
					LastActiveAt:  e.lastActive,
				})
				sessionIDs = append(sessionIDs, sessionID)
			}
		}
	}
	t.mu.Unlock()

	for i, ev := range transitions {
		t.announce(context.Background(), sessionIDs[i], ev)
	}
}

func (t *Tracker) entry(sessionID, participantID string) *entry {
	m, ok := t.sessions[sessionID]
	if !ok {
		m = make(map[string]*entry)
		t.sessions[sessionID] = m
	}
	e, ok := m[participantID]
	if !ok {
		e = &entry{
			conns:  make(map[string]struct{}),
			status: datatypes.PresenceOffline,
		}
		m[participantID] = e
	}
	return e
}

// Connect registers a live connection. The first connection (or a
// reconnect inside the grace period) announces Online; additional tabs
// are silent.
func (t *Tracker) Connect(ctx context.Context, sessionID, participantID, connID string) {
	t.mu.Lock()
	e := t.entry(sessionID, participantID)
	e.conns[connID] = struct{}{}
	e.lastActive = t.now()
	if e.grace != nil {
		// Reconnected inside the grace period: no Offline was ever
		// announced, and none will be.
		e.grace.Stop()
		e.grace = nil
	}
	changed := e.status != datatypes.PresenceOnline
	e.status = datatypes.PresenceOnline
	ev := datatypes.PresenceEvent{
		ParticipantID: participantID,
		Status:        datatypes.PresenceOnline,
		LastActiveAt:  e.lastActive,
	}
	t.mu.Unlock()

	if changed {
		t.announce(ctx, sessionID, ev)
	}
}

// Disconnect removes a connection. When the last one drops, the Offline
// announcement is deferred by the grace period so refreshes don't
// flicker.
func (t *Tracker) Disconnect(ctx context.Context, sessionID, participantID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	e, ok := m[participantID]
	if !ok {
		return
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 || e.grace != nil {
		return
	}
	e.grace = time.AfterFunc(t.cfg.GracePeriod, func() {
		t.graceExpired(sessionID, participantID)
	})
}

// graceExpired fires when no reconnect arrived in time.
func (t *Tracker) graceExpired(sessionID, participantID string) {
	t.mu.Lock()
	m, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e, ok := m[participantID]
	if !ok || len(e.conns) > 0 {
		t.mu.Unlock()
		return
	}
	lastActive := e.lastActive
	delete(m, participantID)
	if len(m) == 0 {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()

	ctx := context.Background()
	if t.sink != nil {
		t.sink.PublishPresence(ctx, sessionID, datatypes.PresenceEvent{
			ParticipantID: participantID,
			Status:        datatypes.PresenceOffline,
			LastActiveAt:  lastActive,
		})
	}
	if err := t.store.Remove(ctx, sessionID, participantID); err != nil {
		slog.Warn("presence store remove failed, continuing",
			"session_id", sessionID,
			"participant_id", participantID,
			"error", err)
	}
}

// RecordActivity resets the away clock. An Away participant who moves a
// piece or heartbeats pops back to Online.
func (t *Tracker) RecordActivity(ctx context.Context, sessionID, participantID string) {
	t.mu.Lock()
	m, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e, ok := m[participantID]
	if !ok || len(e.conns) == 0 {
		t.mu.Unlock()
		return
	}
	e.lastActive = t.now()
	changed := e.status == datatypes.PresenceAway
	e.status = datatypes.PresenceOnline
	ev := datatypes.PresenceEvent{
		ParticipantID: participantID,
		Status:        datatypes.PresenceOnline,
		LastActiveAt:  e.lastActive,
	}
	t.mu.Unlock()

	if changed {
		t.announce(ctx, sessionID, ev)
	}
}

// Status reports a participant's presence as derived on this instance.
func (t *Tracker) Status(sessionID, participantID string) (datatypes.PresenceStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.sessions[sessionID]; ok {
		if e, ok := m[participantID]; ok {
			return e.status, true
		}
	}
	return datatypes.PresenceOffline, false
}

// Roster returns the session's shared presence view. On store failure it
// falls back to this instance's local view: degraded, never blocking.
func (t *Tracker) Roster(ctx context.Context, sessionID string) []Entry {
	entries, err := t.store.Session(ctx, sessionID)
	if err == nil {
		return entries
	}
	slog.Warn("presence store read failed, serving local view",
		"session_id", sessionID,
		"error", err)

	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.sessions[sessionID]
	out := make([]Entry, 0, len(m))
	for pid, e := range m {
		out = append(out, Entry{
			ParticipantID: pid,
			Status:        e.status,
			LastActiveAt:  e.lastActive,
		})
	}
	return out
}

// DropSession discards all presence state for a session.
func (t *Tracker) DropSession(sessionID string) {
	t.mu.Lock()
	if m, ok := t.sessions[sessionID]; ok {
		for _, e := range m {
			if e.grace != nil {
				e.grace.Stop()
			}
		}
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
}

// announce publishes a transition and writes it through to the shared
// store. Store errors degrade, never fail.
func (t *Tracker) announce(ctx context.Context, sessionID string, ev datatypes.PresenceEvent) {
	if t.sink != nil {
		t.sink.PublishPresence(ctx, sessionID, ev)
	}
	err := t.store.Set(ctx, sessionID, Entry{
		ParticipantID: ev.ParticipantID,
		Status:        ev.Status,
		LastActiveAt:  ev.LastActiveAt,
	})
	if err != nil {
		slog.Warn("presence store write failed, continuing",
			"session_id", sessionID,
			"participant_id", ev.ParticipantID,
			"error", err)
	}
}
