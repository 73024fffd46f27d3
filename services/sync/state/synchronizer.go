// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state applies accepted mutations to the canonical shared state.
//
// # Description
//
// The synchronizer is the mutation gate: every state change must present
// the fencing token of a live lock on the target resource. Accepted
// mutations receive a strictly increasing, gap-free per-resource sequence
// number that clients use to discard out-of-order or duplicate
// deliveries. No cross-resource ordering is guaranteed or needed.
//
// The per-resource critical section covers the final token check, the
// sequence increment, and the in-memory apply; the lock store lookup
// stays outside it. Persistence to the mutation log happens behind a
// bounded queue, off the critical path, so a slow disk never stalls an
// interactive drag.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Operations on different
// resources never serialize against each other.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/lock"
)

// ApplyResult is the outcome of one mutation attempt. When Applied is
// false, Reason explains the rejection and HolderID names the current
// lock holder when relevant ("someone else is editing this").
type ApplyResult struct {
	Applied   bool
	Reason    datatypes.RejectReason
	HolderID  string
	Sequenced datatypes.SequencedMutation
}

// resourceState is one resource's authoritative value. The entry mutex is
// the per-resource critical section: the final token check, sequence
// increment, and value swap all happen under it, and nothing else does.
//
// lastToken is the fencing token of the last applied mutation. The lock
// store lookup happens outside this mutex, so its answer can be stale by
// the time the apply runs; re-checking the token against lastToken under
// the mutex linearizes the decision with the write.
type resourceState struct {
	mu        sync.Mutex
	seq       int64
	lastToken int64
	value     datatypes.Mutation
}

// Synchronizer applies validated mutations and assigns sequence numbers.
type Synchronizer struct {
	locks *lock.Manager
	log   MutationLog // may be nil (persistence disabled)

	mu       sync.RWMutex
	sessions map[string]map[string]*resourceState
}

// NewSynchronizer creates a synchronizer gated by the given lock manager.
//
// # Inputs
//
//   - locks: Lock manager whose fencing tokens gate every apply.
//   - log: Append-only mutation log. May be nil to disable persistence.
func NewSynchronizer(locks *lock.Manager, log MutationLog) *Synchronizer {
	return &Synchronizer{
		locks:    locks,
		log:      log,
		sessions: make(map[string]map[string]*resourceState),
	}
}

// resource returns the state entry for a resource, creating it on first
// touch.
func (s *Synchronizer) resource(sessionID, resourceID string) *resourceState {
	s.mu.RLock()
	if m, ok := s.sessions[sessionID]; ok {
		if rs, ok := m[resourceID]; ok {
			s.mu.RUnlock()
			return rs
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[sessionID]
	if !ok {
		m = make(map[string]*resourceState)
		s.sessions[sessionID] = m
	}
	rs, ok := m[resourceID]
	if !ok {
		rs = &resourceState{}
		m[resourceID] = rs
	}
	return rs
}

// ApplyMutation runs the fencing gate and, on acceptance, applies the
// mutation and stamps it with the next sequence number.
//
// # Description
//
// Acceptance requires, in order:
//  1. A known mutation kind (closed variant; anything else is
//     invalid_payload).
//  2. A live lock on the resource (else lock_required).
//  3. The caller holding that lock (else not_holder).
//  4. The presented fencing token equal to the lock's token (else
//     stale_token). This is what rejects a delayed write from a holder
//     whose lock expired and was re-granted to someone else.
//  5. The presented token at least the token of the last applied
//     mutation, checked again inside the per-resource critical section
//     (else stale_token). The lock lookup in step 4 runs outside that
//     section, so a reply that was in flight while the lock changed
//     hands could otherwise let an expired holder clobber the new
//     holder's work.
//
// Rejections are ordinary results, not errors; the error return is
// reserved for lock store failures (fail closed: nothing applied).
//
// # Outputs
//
//   - ApplyResult: Applied with the sequenced mutation, or a rejection.
//   - error: Non-nil only when the lock store is unreachable.
func (s *Synchronizer) ApplyMutation(ctx context.Context, sessionID, resourceID, participantID string, token int64, m datatypes.Mutation) (ApplyResult, error) {
	if !m.Kind.Valid() {
		return ApplyResult{Reason: datatypes.ReasonInvalidPayload}, nil
	}

	rec, found, err := s.locks.Current(ctx, resourceID)
	if err != nil {
		return ApplyResult{}, err
	}
	if !found {
		return ApplyResult{Reason: datatypes.ReasonLockRequired}, nil
	}
	if rec.HolderID != participantID {
		return ApplyResult{Reason: datatypes.ReasonNotHolder, HolderID: rec.HolderID}, nil
	}
	if rec.FencingToken != token {
		slog.Debug("rejected stale mutation",
			"resource_id", resourceID,
			"participant_id", participantID,
			"presented_token", token,
			"current_token", rec.FencingToken)
		return ApplyResult{Reason: datatypes.ReasonStaleToken, HolderID: rec.HolderID}, nil
	}

	rs := s.resource(sessionID, resourceID)
	rs.mu.Lock()
	if token < rs.lastToken {
		rs.mu.Unlock()
		slog.Debug("rejected stale mutation at apply",
			"resource_id", resourceID,
			"participant_id", participantID,
			"presented_token", token,
			"last_applied_token", rs.lastToken)
		return ApplyResult{Reason: datatypes.ReasonStaleToken}, nil
	}
	rs.lastToken = token
	rs.seq++
	rs.value = m
	seq := rs.seq
	rs.mu.Unlock()

	sequenced := datatypes.SequencedMutation{
		ResourceID:    resourceID,
		Sequence:      seq,
		Mutation:      m,
		ParticipantID: participantID,
	}

	if s.log != nil {
		// Off the critical path; Append never blocks.
		s.log.Append(datatypes.MutationRecord{
			SessionID:     sessionID,
			ResourceID:    resourceID,
			ParticipantID: participantID,
			FencingToken:  token,
			Sequence:      seq,
			Mutation:      m,
			AppliedAt:     time.Now(),
		})
	}

	return ApplyResult{Applied: true, Sequenced: sequenced}, nil
}

// GetCurrentState returns a resource's authoritative value and sequence,
// for reconnect catch-up.
func (s *Synchronizer) GetCurrentState(sessionID, resourceID string) (datatypes.ResourceState, bool) {
	s.mu.RLock()
	m, ok := s.sessions[sessionID]
	if !ok {
		s.mu.RUnlock()
		return datatypes.ResourceState{}, false
	}
	rs, ok := m[resourceID]
	s.mu.RUnlock()
	if !ok {
		return datatypes.ResourceState{}, false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.seq == 0 {
		return datatypes.ResourceState{}, false
	}
	return datatypes.ResourceState{
		ResourceID: resourceID,
		Sequence:   rs.seq,
		Value:      rs.value,
	}, true
}

// SessionSnapshot returns the current value of every touched resource in
// a session, for the initial snapshot sent to a joining connection.
func (s *Synchronizer) SessionSnapshot(sessionID string) []datatypes.ResourceState {
	s.mu.RLock()
	m := s.sessions[sessionID]
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]datatypes.ResourceState, 0, len(ids))
	for _, id := range ids {
		if rs, ok := s.GetCurrentState(sessionID, id); ok {
			out = append(out, rs)
		}
	}
	return out
}

// DropSession forgets all in-memory state for a session. Called by the
// registry when a session completes or is abandoned; the mutation log
// keeps the durable history.
func (s *Synchronizer) DropSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}
