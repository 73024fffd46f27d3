// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})

	assert.Equal(t, 12310, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.LockDefaultTTL)
	assert.Equal(t, 30*time.Second, cfg.LockMaxTTL)
	assert.Equal(t, 16, cfg.MaxParticipants)
	assert.Equal(t, 30*time.Minute, cfg.InactivityTimeout)
	assert.Equal(t, 10*time.Second, cfg.PresenceGracePeriod)
	assert.Equal(t, 90*time.Second, cfg.PresenceAwayTimeout)
	assert.Equal(t, 64, cfg.EventQueueSize)
	assert.Equal(t, 60.0, cfg.OpsPerSecond)
	assert.Equal(t, 120, cfg.OpsBurst)
}

func TestApplyConfigDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := applyConfigDefaults(Config{
		Port:            9999,
		LockDefaultTTL:  2 * time.Second,
		MaxParticipants: 4,
	})

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.LockDefaultTTL)
	assert.Equal(t, 4, cfg.MaxParticipants)
	// Untouched fields still get defaults.
	assert.Equal(t, 30*time.Second, cfg.LockMaxTTL)
}

// TestNew_SingleInstanceServesHealthAndMetrics builds the full service
// with no external dependencies (no Redis, in-memory Badger, tracing
// disabled) and exercises the router.
func TestNew_SingleInstanceServesHealthAndMetrics(t *testing.T) {
	svc, err := New(Config{GinMode: "test"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")

	w = httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "puzzle_sync")
}

func TestNew_RejectsInvalidRedisURL(t *testing.T) {
	_, err := New(Config{GinMode: "test", RedisURL: "not a url"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}
