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
	"hash/fnv"
	"sync"
	"time"
)

// memoryShardCount balances lock contention against memory overhead.
// Mutation-gating operations for different pieces land on different
// shards, so concurrent drags on different pieces never serialize.
const memoryShardCount = 32

// memoryEntry holds one resource's lock state plus the high-water fencing
// token. lastToken survives release and expiry so tokens stay monotonic
// for the resource's whole lifetime.
type memoryEntry struct {
	rec       Record
	held      bool
	lastToken int64
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. The table is sharded by resource ID; each shard has its own
// mutex, so the per-resource critical section never widens to the whole
// session.
type MemoryStore struct {
	shards [memoryShardCount]*memoryShard

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-process lock store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]*memoryEntry)}
	}
	return s
}

func (s *MemoryStore) shard(resourceID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resourceID))
	return s.shards[h.Sum32()%memoryShardCount]
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, sessionID, resourceID, holderID string, ttl time.Duration) (Record, bool, error) {
	sh := s.shard(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[resourceID]
	if !ok {
		e = &memoryEntry{}
		sh.entries[resourceID] = e
	}

	if e.held && !e.rec.Expired(now) {
		return e.rec, false, nil
	}

	e.lastToken++
	e.rec = Record{
		SessionID:    sessionID,
		ResourceID:   resourceID,
		HolderID:     holderID,
		FencingToken: e.lastToken,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
	e.held = true
	return e.rec, true, nil
}

// Renew implements Store.
func (s *MemoryStore) Renew(_ context.Context, resourceID, holderID string, token int64, ttl time.Duration) (Record, bool, error) {
	sh := s.shard(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e, ok := sh.entries[resourceID]
	if !ok || !e.held || e.rec.Expired(now) {
		return Record{}, false, nil
	}
	if e.rec.HolderID != holderID || e.rec.FencingToken != token {
		return Record{}, false, nil
	}

	e.rec.ExpiresAt = now.Add(ttl)
	return e.rec, true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, resourceID, holderID string, token int64) (bool, error) {
	sh := s.shard(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[resourceID]
	if !ok || !e.held {
		return false, nil
	}
	if e.rec.HolderID != holderID || e.rec.FencingToken != token {
		// Stale release: the lock was already superseded.
		return false, nil
	}

	e.held = false
	e.rec = Record{}
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, resourceID string) (Record, bool, error) {
	sh := s.shard(resourceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[resourceID]
	if !ok || !e.held || e.rec.Expired(s.now()) {
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

// HeldBy implements Store. Scans all shards; fine at puzzle scale where a
// participant holds at most a handful of pieces.
func (s *MemoryStore) HeldBy(_ context.Context, holderID string) ([]Record, error) {
	now := s.now()
	var out []Record
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.held && !e.rec.Expired(now) && e.rec.HolderID == holderID {
				out = append(out, e.rec)
			}
		}
		sh.mu.Unlock()
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
