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
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceKeyTTL caps how long a session's presence hash outlives its
// last write. Crashed instances leave no permanent litter.
const presenceKeyTTL = 10 * time.Minute

// RedisStore keeps presence in one Redis hash per session so every
// instance sees the same roster.
//
// Key layout: puzzle:presence:{session} -> hash of participant ID to
// JSON-encoded Entry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a presence store over an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func presenceKey(sessionID string) string {
	return "puzzle:presence:" + sessionID
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, sessionID string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}
	key := presenceKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, e.ParticipantID, data)
	pipe.Expire(ctx, key, presenceKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store presence for %s: %w", e.ParticipantID, err)
	}
	return nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, sessionID, participantID string) error {
	if err := s.client.HDel(ctx, presenceKey(sessionID), participantID).Err(); err != nil {
		return fmt.Errorf("remove presence for %s: %w", participantID, err)
	}
	return nil
}

// Session implements Store. Entries that fail to decode are skipped
// rather than failing the whole roster.
func (s *RedisStore) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	vals, err := s.client.HGetAll(ctx, presenceKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence for session %s: %w", sessionID, err)
	}
	out := make([]Entry, 0, len(vals))
	for _, raw := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Store = (*RedisStore)(nil)
