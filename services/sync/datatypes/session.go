// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared domain records and wire contracts
// for the collaborative puzzle sync service.
//
// Types here are referenced by every component (registry, lock, state,
// broadcast, presence) and by the WebSocket/REST handlers. Components own
// their behavior; this package owns only the data shapes so that import
// cycles never form between components.
package datatypes

import "time"

// SessionStatus describes the lifecycle state of a collaborative session.
type SessionStatus string

const (
	// SessionActive means participants may join and mutate state.
	SessionActive SessionStatus = "active"

	// SessionCompleted means the puzzle was finished and the session
	// was explicitly closed.
	SessionCompleted SessionStatus = "completed"

	// SessionAbandoned means the session idled past the configured
	// timeout and was reaped by the registry sweep.
	SessionAbandoned SessionStatus = "abandoned"
)

// Session is one collaborative puzzle-solving instance.
//
// The registry owns Session records exclusively. Other components refer to
// a session by ID only and must never mutate one of these directly.
type Session struct {
	// ID is the opaque unique session token.
	ID string `json:"session_id"`

	// PuzzleRef identifies the puzzle being solved. Opaque to this
	// service; the persistence layer for puzzle metadata is external.
	PuzzleRef string `json:"puzzle_ref"`

	// CreatedAt is when the first participant started the session.
	CreatedAt time.Time `json:"created_at"`

	// Status is the lifecycle state.
	Status SessionStatus `json:"status"`

	// Participants lists the participant IDs currently in the session.
	// Order is not meaningful.
	Participants []string `json:"participants,omitempty"`

	// LastActivity is the most recent join, mutation, or heartbeat.
	// Drives the inactivity abandonment sweep.
	LastActivity time.Time `json:"last_activity"`
}

// PresenceStatus describes a participant's derived availability.
type PresenceStatus string

const (
	// PresenceOnline means at least one live connection is registered
	// and the participant was recently active.
	PresenceOnline PresenceStatus = "online"

	// PresenceAway means connections are live but no activity was seen
	// within the away timeout.
	PresenceAway PresenceStatus = "away"

	// PresenceOffline means zero live connections survived the grace
	// period.
	PresenceOffline PresenceStatus = "offline"
)

// Participant is a connected client within a session.
//
// A participant may hold several concurrent connections (two browser
// tabs); presence is Online iff at least one live connection is
// registered across all server instances.
type Participant struct {
	ID           string         `json:"participant_id"`
	SessionID    string         `json:"session_id"`
	Connections  []string       `json:"connections,omitempty"`
	Status       PresenceStatus `json:"status"`
	LastActiveAt time.Time      `json:"last_active_at"`
}
