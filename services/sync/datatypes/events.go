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

import "time"

// =============================================================================
// Server -> Client Events
// =============================================================================

// EventType discriminates the server-to-client event envelope.
type EventType string

const (
	// EventMutation carries an applied mutation to other participants.
	EventMutation EventType = "mutation"

	// EventLock announces a lock acquire, renew, release, or expiry so
	// non-holders can render "locked by X".
	EventLock EventType = "lock"

	// EventPresence announces a participant presence transition.
	EventPresence EventType = "presence"

	// EventJoined announces a participant joining the session.
	EventJoined EventType = "joined"

	// EventLeft announces a participant leaving the session.
	EventLeft EventType = "left"
)

// Event is the envelope delivered to every subscribed connection.
//
// Exactly one of the payload pointers is set, matching Type. The envelope
// is what crosses the Redis bridge between server instances, so it must
// round-trip through JSON without loss.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// OriginatorID is the participant that caused the event. The fan-out
	// excludes this participant from delivery.
	OriginatorID string `json:"originator_id,omitempty"`

	Mutation *SequencedMutation `json:"mutation,omitempty"`
	Lock     *LockEvent         `json:"lock,omitempty"`
	Presence *PresenceEvent     `json:"presence,omitempty"`
	Member   *MemberEvent       `json:"member,omitempty"`
}

// LockEvent is pushed whenever a lock is acquired, renewed, released, or
// expires. HolderID and ExpiresAt are empty when the resource is unlocked.
type LockEvent struct {
	ResourceID string     `json:"resource_id"`
	HolderID   string     `json:"holder_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// PresenceEvent announces an Online/Away/Offline transition.
type PresenceEvent struct {
	ParticipantID string         `json:"participant_id"`
	Status        PresenceStatus `json:"status"`
	LastActiveAt  time.Time      `json:"last_active_at"`
}

// MemberEvent announces a join or leave.
type MemberEvent struct {
	ParticipantID string `json:"participant_id"`
}

// =============================================================================
// Client -> Server Operations
// =============================================================================

// OpType discriminates the client-to-server operation envelope on the
// WebSocket.
type OpType string

const (
	// OpAcquire requests an exclusive lock on a resource.
	OpAcquire OpType = "acquire"

	// OpRenew extends a held lock's TTL.
	OpRenew OpType = "renew"

	// OpRelease gives a lock back before its TTL elapses.
	OpRelease OpType = "release"

	// OpMutate applies a state change under a held lock.
	OpMutate OpType = "mutate"

	// OpHeartbeat resets the presence away-timeout clock.
	OpHeartbeat OpType = "heartbeat"
)

// ClientOp is one inbound WebSocket operation.
type ClientOp struct {
	Op OpType `json:"op" validate:"required,oneof=acquire renew release mutate heartbeat"`

	// ResourceID names the puzzle piece. Required for everything except
	// heartbeat.
	ResourceID string `json:"resource_id,omitempty" validate:"required_unless=Op heartbeat,max=128"`

	// FencingToken must be presented for renew, release, and mutate.
	FencingToken int64 `json:"fencing_token,omitempty" validate:"gte=0"`

	// TTLMs optionally overrides the lock TTL for acquire/renew, bounded
	// by the server's configured maximum.
	TTLMs int64 `json:"ttl_ms,omitempty" validate:"gte=0,lte=60000"`

	Mutation *Mutation `json:"mutation,omitempty"`
}

// =============================================================================
// Operation Results
// =============================================================================

// RejectReason tells the client why a mutation or lock operation failed,
// end to end. "locked" is retry-able after seeing the new holder;
// "session_expired" requires a rejoin.
type RejectReason string

const (
	ReasonStaleToken     RejectReason = "stale_token"
	ReasonNotHolder      RejectReason = "not_holder"
	ReasonLockRequired   RejectReason = "lock_required"
	ReasonAlreadyHeld    RejectReason = "already_held"
	ReasonRateLimited    RejectReason = "rate_limited"
	ReasonSessionExpired RejectReason = "session_expired"
	ReasonInvalidPayload RejectReason = "invalid_payload"

	// ReasonStoreUnavailable means the coordination store could not be
	// reached. Lock and mutation operations fail closed with this reason.
	ReasonStoreUnavailable RejectReason = "store_unavailable"
)

// OpResult is the direct reply to a ClientOp. Ok is true when the
// operation succeeded; otherwise Reason is set.
type OpResult struct {
	Op         OpType       `json:"op"`
	ResourceID string       `json:"resource_id,omitempty"`
	Ok         bool         `json:"ok"`
	Reason     RejectReason `json:"reason,omitempty"`

	// FencingToken is set on a granted acquire.
	FencingToken int64 `json:"fencing_token,omitempty"`

	// Sequence is set on an applied mutation.
	Sequence int64 `json:"sequence,omitempty"`

	// HolderID is set when the operation failed because someone else
	// holds the lock.
	HolderID string `json:"holder_id,omitempty"`

	// ExpiresAt is set on granted acquire/renew.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ResourceState is one resource's authoritative value, used in the
// reconnect snapshot.
type ResourceState struct {
	ResourceID string   `json:"resource_id"`
	Sequence   int64    `json:"sequence"`
	Value      Mutation `json:"value"`
}

// Snapshot is the initial session state sent to a joining connection.
type Snapshot struct {
	SessionID string          `json:"session_id"`
	Resources []ResourceState `json:"resources"`
	Locks     []LockEvent     `json:"locks,omitempty"`
}
