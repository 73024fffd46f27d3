// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// EventSink receives lock status changes for fan-out to session
// participants. The broadcast hub satisfies this via a small adapter in
// the service wiring; tests use a recording stub.
type EventSink interface {
	PublishLock(ctx context.Context, sessionID string, ev datatypes.LockEvent, originatorID string)
}

// ManagerConfig holds lock manager settings.
type ManagerConfig struct {
	// DefaultTTL applies when a client does not request a TTL.
	// Short enough to recover quickly from a crashed holder, long
	// enough to cover one interactive drag gesture.
	// Default: 5 seconds.
	DefaultTTL time.Duration

	// MaxTTL caps client-requested TTLs. Default: 30 seconds.
	MaxTTL time.Duration
}

// DefaultManagerConfig returns production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultTTL: 5 * time.Second,
		MaxTTL:     30 * time.Second,
	}
}

// AcquireResult is the outcome of a TryAcquire call. When Granted is
// false, Record describes the current holder so the client can render
// "locked by X".
type AcquireResult struct {
	Granted bool
	Record  Record
}

// Manager coordinates lock operations for the sync service: it clamps
// TTLs, delegates the atomic check-and-set to the configured Store, and
// pushes lock status events to the session.
//
// # Failure Semantics
//
// Acquisition never blocks or queues; it is a fast fail/succeed decision.
// Store errors propagate wrapped in ErrStoreUnavailable and no lock is
// granted (fail closed).
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the Store.
type Manager struct {
	store  Store
	config ManagerConfig
	events EventSink
}

// NewManager creates a lock manager over the given store.
//
// # Inputs
//
//   - store: Backing atomic store. Must not be nil.
//   - events: Sink for lock status events. May be nil (no events).
//   - config: Manager settings. Zero values use defaults.
func NewManager(store Store, events EventSink, config ManagerConfig) *Manager {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultManagerConfig().DefaultTTL
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = DefaultManagerConfig().MaxTTL
	}
	return &Manager{store: store, config: config, events: events}
}

// clampTTL applies the default and maximum TTL bounds.
func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.config.DefaultTTL
	}
	if ttl > m.config.MaxTTL {
		return m.config.MaxTTL
	}
	return ttl
}

// TryAcquire attempts to grant the participant an exclusive lock.
//
// # Description
//
// Atomic check-and-set: succeeds only if no non-expired lock exists for
// the resource. On success the fencing token is strictly greater than any
// token previously issued for this resource. Never blocks on contention.
//
// # Inputs
//
//   - sessionID: Session the resource belongs to. Stored on the record
//     and used to scope events and disconnect cleanup.
//   - resourceID: The puzzle piece to lock.
//   - participantID: The requesting participant.
//   - ttl: Requested TTL; clamped to [DefaultTTL if zero, MaxTTL].
//
// # Outputs
//
//   - AcquireResult: Granted with the new record, or the current holder.
//   - error: Non-nil only for store failures (fail closed, not granted).
func (m *Manager) TryAcquire(ctx context.Context, sessionID, resourceID, participantID string, ttl time.Duration) (AcquireResult, error) {
	rec, granted, err := m.store.Acquire(ctx, sessionID, resourceID, participantID, m.clampTTL(ttl))
	if err != nil {
		return AcquireResult{}, err
	}

	if granted {
		slog.Debug("lock granted",
			"resource_id", resourceID,
			"participant_id", participantID,
			"fencing_token", rec.FencingToken)
		m.publish(ctx, sessionID, rec, participantID)
	}

	return AcquireResult{Granted: granted, Record: rec}, nil
}

// Renew extends the holder's lock expiry iff the fencing token still
// matches. A false return means the caller has lost the lock and must
// re-acquire; the failure is silent by design.
func (m *Manager) Renew(ctx context.Context, sessionID, resourceID, participantID string, token int64, ttl time.Duration) (Record, bool, error) {
	rec, ok, err := m.store.Renew(ctx, resourceID, participantID, token, m.clampTTL(ttl))
	if err != nil {
		return Record{}, false, err
	}
	if ok {
		m.publish(ctx, sessionID, rec, participantID)
	}
	return rec, ok, nil
}

// Release removes the lock iff the fencing token matches. A release with
// a stale token is a no-op.
func (m *Manager) Release(ctx context.Context, sessionID, resourceID, participantID string, token int64) (bool, error) {
	ok, err := m.store.Release(ctx, resourceID, participantID, token)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Debug("lock released",
			"resource_id", resourceID,
			"participant_id", participantID)
		if m.events != nil {
			m.events.PublishLock(ctx, sessionID, datatypes.LockEvent{
				ResourceID: resourceID,
			}, participantID)
		}
	}
	return ok, nil
}

// ReleaseAllHeldBy frees every lock a participant holds in one session.
// Called on explicit disconnect so other participants don't wait out the
// TTL. Locks the participant holds in other sessions stay untouched.
func (m *Manager) ReleaseAllHeldBy(ctx context.Context, sessionID, participantID string) (int, error) {
	held, err := m.store.HeldBy(ctx, participantID)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range held {
		if rec.SessionID != sessionID {
			continue
		}
		ok, err := m.Release(ctx, sessionID, rec.ResourceID, participantID, rec.FencingToken)
		if err != nil {
			return released, fmt.Errorf("release %s on disconnect: %w", rec.ResourceID, err)
		}
		if ok {
			released++
		}
	}

	if released > 0 {
		slog.Info("released locks on disconnect",
			"participant_id", participantID,
			"count", released)
	}
	return released, nil
}

// Current returns the live lock for a resource, if any.
func (m *Manager) Current(ctx context.Context, resourceID string) (Record, bool, error) {
	return m.store.Get(ctx, resourceID)
}

func (m *Manager) publish(ctx context.Context, sessionID string, rec Record, originatorID string) {
	if m.events == nil {
		return
	}
	expires := rec.ExpiresAt
	m.events.PublishLock(ctx, sessionID, datatypes.LockEvent{
		ResourceID: rec.ResourceID,
		HolderID:   rec.HolderID,
		ExpiresAt:  &expires,
	}, originatorID)
}
