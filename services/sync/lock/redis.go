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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	puzzle:lock:{resource}   hash  holder, token, acquired_ms, session (PEXPIRE = TTL)
//	puzzle:fence:{resource}  counter, never expires (token monotonicity)
//	puzzle:held:{holder}     set of resource IDs (prompt disconnect release)
//
// TTL expiry is delegated to Redis key expiry: an expired lock simply
// stops existing, and the fence counter outlives it so the next
// acquisition still mints a larger token.

const (
	redisLockPrefix  = "puzzle:lock:"
	redisFencePrefix = "puzzle:fence:"
	redisHeldPrefix  = "puzzle:held:"
)

// acquireScript grants the lock only when the lock key is absent.
// Returns {1, token} on grant or
// {0, holder, token, acquired_ms, session, pttl_ms} when already held.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local cur = redis.call('HMGET', KEYS[1], 'holder', 'token', 'acquired_ms', 'session')
  local pttl = redis.call('PTTL', KEYS[1])
  return {0, cur[1], cur[2], cur[3], cur[4], pttl}
end
local token = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'token', token, 'acquired_ms', ARGV[3], 'session', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[4])
return {1, token}
`)

// renewScript extends the expiry iff holder and token still match.
// Returns {1, acquired_ms, session} or {0}.
var renewScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'holder', 'token', 'acquired_ms', 'session')
if cur[1] == ARGV[1] and cur[2] == ARGV[2] then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  return {1, cur[3], cur[4]}
end
return {0}
`)

// releaseScript deletes the lock iff holder and token match. A stale
// release is a no-op. Returns 1 or 0.
var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'holder', 'token')
if cur[1] == ARGV[1] and cur[2] == ARGV[2] then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[2], ARGV[3])
  return 1
end
return 0
`)

// getScript reads holder, token, acquired_ms, session, and remaining TTL
// in one atomic step. Returns {} when unlocked.
var getScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {}
end
local cur = redis.call('HMGET', KEYS[1], 'holder', 'token', 'acquired_ms', 'session')
local pttl = redis.call('PTTL', KEYS[1])
return {cur[1], cur[2], cur[3], cur[4], pttl}
`)

// RedisStore is the cross-instance Store. Every operation is a single Lua
// script, so the check-and-set is atomic on the Redis side regardless of
// how many server instances race on the same piece.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a Redis-backed lock store.
//
// # Inputs
//
//   - client: Connected go-redis client. Ownership stays with the caller.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func lockKey(resourceID string) string  { return redisLockPrefix + resourceID }
func fenceKey(resourceID string) string { return redisFencePrefix + resourceID }
func heldKey(holderID string) string    { return redisHeldPrefix + holderID }

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, sessionID, resourceID, holderID string, ttl time.Duration) (Record, bool, error) {
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client,
		[]string{lockKey(resourceID), fenceKey(resourceID), heldKey(holderID)},
		holderID, ttl.Milliseconds(), now.UnixMilli(), resourceID, sessionID,
	).Slice()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: acquire %s: %v", ErrStoreUnavailable, resourceID, err)
	}

	granted, _ := res[0].(int64)
	if granted == 1 {
		token, err := toInt64(res[1])
		if err != nil {
			return Record{}, false, fmt.Errorf("%w: acquire %s: %v", ErrStoreUnavailable, resourceID, err)
		}
		return Record{
			SessionID:    sessionID,
			ResourceID:   resourceID,
			HolderID:     holderID,
			FencingToken: token,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(ttl),
		}, true, nil
	}

	rec, err := recordFromReply(resourceID, res[1], res[2], res[3], res[4], res[5])
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: acquire %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	return rec, false, nil
}

// Renew implements Store.
func (s *RedisStore) Renew(ctx context.Context, resourceID, holderID string, token int64, ttl time.Duration) (Record, bool, error) {
	now := time.Now()
	res, err := renewScript.Run(ctx, s.client,
		[]string{lockKey(resourceID)},
		holderID, token, ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: renew %s: %v", ErrStoreUnavailable, resourceID, err)
	}

	ok, _ := res[0].(int64)
	if ok != 1 {
		return Record{}, false, nil
	}

	acquiredMs, err := toInt64(res[1])
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: renew %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	session, _ := res[2].(string)
	return Record{
		SessionID:    session,
		ResourceID:   resourceID,
		HolderID:     holderID,
		FencingToken: token,
		AcquiredAt:   time.UnixMilli(acquiredMs),
		ExpiresAt:    now.Add(ttl),
	}, true, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, resourceID, holderID string, token int64) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client,
		[]string{lockKey(resourceID), heldKey(holderID)},
		holderID, token, resourceID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: release %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	return n == 1, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, resourceID string) (Record, bool, error) {
	res, err := getScript.Run(ctx, s.client, []string{lockKey(resourceID)}).Slice()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	if len(res) == 0 {
		return Record{}, false, nil
	}

	rec, err := recordFromReply(resourceID, res[0], res[1], res[2], res[3], res[4])
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, resourceID, err)
	}
	return rec, true, nil
}

// HeldBy implements Store. Reads the holder's set, verifies each entry
// against the live lock key, and prunes entries that expired or changed
// hands.
func (s *RedisStore) HeldBy(ctx context.Context, holderID string) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, heldKey(holderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: held-by %s: %v", ErrStoreUnavailable, holderID, err)
	}

	var out []Record
	for _, id := range ids {
		rec, found, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found || rec.HolderID != holderID {
			// Lock expired or was taken over; drop the stale set entry.
			_ = s.client.SRem(ctx, heldKey(holderID), id).Err()
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// recordFromReply assembles a Record from the Lua reply fields
// holder, token, acquired_ms, session, pttl_ms.
func recordFromReply(resourceID string, holder, token, acquiredMs, session, pttlMs interface{}) (Record, error) {
	h, _ := holder.(string)
	t, err := toInt64(token)
	if err != nil {
		return Record{}, err
	}
	acq, err := toInt64(acquiredMs)
	if err != nil {
		return Record{}, err
	}
	sess, _ := session.(string)
	pttl, err := toInt64(pttlMs)
	if err != nil {
		return Record{}, err
	}
	return Record{
		SessionID:    sess,
		ResourceID:   resourceID,
		HolderID:     h,
		FencingToken: t,
		AcquiredAt:   time.UnixMilli(acq),
		ExpiresAt:    time.Now().Add(time.Duration(pttl) * time.Millisecond),
	}, nil
}

// toInt64 handles the two shapes go-redis returns for Lua numbers and
// hash fields (int64 and string).
func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", v)
	}
}

var _ Store = (*RedisStore)(nil)
