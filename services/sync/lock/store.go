// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock implements exclusive, time-bounded ownership of puzzle
// pieces with fencing tokens.
//
// # Description
//
// A lock grants one participant exclusive write access to one resource
// until the TTL elapses or the holder releases it. Every successful
// acquisition of a resource mints a fencing token that is strictly greater
// than any token previously issued for that resource, which converts
// "is this still my lock?" from a time-based heuristic into an integer
// comparison. The canonical failure this prevents: holder A's lock
// expires, holder B acquires, A's delayed write arrives and clobbers B's
// work. A's write presents token n while the lock carries token n+1, so
// the gate rejects it.
//
// # Backends
//
// The LockStore interface has two implementations:
//
//   - MemoryStore: sharded in-process CAS table. Single-instance
//     deployments and tests.
//   - RedisStore: Lua-scripted check-and-set against Redis. Required when
//     participants of one session land on different server instances.
//
// # Failure Policy
//
// Lock operations fail closed: if the backing store is unreachable, no
// lock is granted. Refusing a lock is recoverable; double-granting one
// corrupts shared state.
//
// # Thread Safety
//
// All implementations are safe for concurrent use from multiple
// goroutines.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend failures. Callers treat it as a
// fail-closed condition: the lock was NOT granted.
var ErrStoreUnavailable = errors.New("lock store unavailable")

// Record is the current lock state for one resource.
type Record struct {
	// SessionID is the session the lock was acquired in. Disconnect
	// cleanup releases only the departed session's locks; a participant
	// active in two sessions keeps the other session's pieces.
	SessionID string `json:"session_id"`

	// ResourceID names the locked puzzle piece.
	ResourceID string `json:"resource_id"`

	// HolderID is the participant holding the lock.
	HolderID string `json:"holder_id"`

	// FencingToken is strictly increasing per resource across
	// acquisitions. Starts at 1 for the first acquisition.
	FencingToken int64 `json:"fencing_token"`

	// AcquiredAt is when the current holder obtained the lock.
	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is when the lock auto-releases absent renewal.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed at the given instant.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store is the atomic check-and-set primitive behind the lock manager.
//
// # Description
//
// Every method is a single linearizable operation with respect to one
// resource ID. Implementations must never grant two concurrent
// non-expired locks for the same resource, and must mint strictly
// increasing fencing tokens per resource even across release/expiry
// cycles.
//
// Operations must be fast (in-memory or one cache round-trip); the
// manager calls them while the interactive client waits.
type Store interface {
	// Acquire grants the lock if the resource is unlocked or the prior
	// lock has expired. Returns the resulting record and true on grant,
	// or the current holder's record and false when already held. The
	// session ID is stored on the record for disconnect cleanup scoping.
	Acquire(ctx context.Context, sessionID, resourceID, holderID string, ttl time.Duration) (Record, bool, error)

	// Renew extends the expiry iff holder and fencing token both still
	// match the current lock. Returns false (no error) when the caller
	// has lost the lock.
	Renew(ctx context.Context, resourceID, holderID string, token int64, ttl time.Duration) (Record, bool, error)

	// Release removes the lock iff holder and fencing token match.
	// A release with a stale token is a no-op (already superseded).
	Release(ctx context.Context, resourceID, holderID string, token int64) (bool, error)

	// Get returns the current non-expired lock for the resource, with
	// found=false when the resource is unlocked or the lock expired.
	Get(ctx context.Context, resourceID string) (Record, bool, error)

	// HeldBy lists all non-expired locks held by a participant. Used to
	// promptly free a disconnecting participant's pieces.
	HeldBy(ctx context.Context, holderID string) ([]Record, error)
}
