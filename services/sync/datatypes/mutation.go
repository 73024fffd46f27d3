// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"
)

// MutationKind is the closed set of state changes a client can request.
//
// Modeled as a tagged variant rather than open-ended inheritance so the
// synchronizer can exhaustively switch on kind. Adding a kind here must be
// matched by a Valid case below, or the synchronizer rejects it.
type MutationKind string

const (
	// MutationMove changes a piece's board position.
	MutationMove MutationKind = "move"

	// MutationRotate changes a piece's rotation.
	MutationRotate MutationKind = "rotate"

	// MutationPlace snaps a piece into its target slot.
	MutationPlace MutationKind = "place"
)

// Valid reports whether k is one of the known kinds.
func (k MutationKind) Valid() bool {
	switch k {
	case MutationMove, MutationRotate, MutationPlace:
		return true
	}
	return false
}

// Mutation is one requested state change for a single resource.
//
// Fields are interpreted per Kind:
//   - move: X, Y
//   - rotate: Rotation (degrees, 0-359)
//   - place: Slot
type Mutation struct {
	Kind     MutationKind `json:"kind" binding:"required"`
	X        float64      `json:"x,omitempty"`
	Y        float64      `json:"y,omitempty"`
	Rotation int          `json:"rotation,omitempty"`
	Slot     string       `json:"slot,omitempty"`
}

// String renders a compact description for logs.
func (m Mutation) String() string {
	switch m.Kind {
	case MutationMove:
		return fmt.Sprintf("move(%.1f,%.1f)", m.X, m.Y)
	case MutationRotate:
		return fmt.Sprintf("rotate(%d)", m.Rotation)
	case MutationPlace:
		return fmt.Sprintf("place(%s)", m.Slot)
	default:
		return string(m.Kind)
	}
}

// MutationRecord is one applied state change, as persisted to the
// append-only mutation log.
//
// A record is written only after the fencing gate accepted the mutation,
// so FencingToken always matches the lock that was current at apply time.
type MutationRecord struct {
	SessionID     string    `json:"session_id"`
	ResourceID    string    `json:"resource_id"`
	ParticipantID string    `json:"participant_id"`
	FencingToken  int64     `json:"fencing_token"`
	Sequence      int64     `json:"sequence"`
	Mutation      Mutation  `json:"mutation"`
	AppliedAt     time.Time `json:"applied_at"`
}

// SequencedMutation pairs an accepted mutation with its per-resource
// sequence number. Clients use the sequence to discard out-of-order or
// duplicate deliveries; no cross-resource ordering is implied.
type SequencedMutation struct {
	ResourceID    string   `json:"resource_id"`
	Sequence      int64    `json:"sequence"`
	Mutation      Mutation `json:"mutation"`
	ParticipantID string   `json:"participant_id"`
}
