// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the sync service.
//
// # Identity Flow
//
// The identity middleware resolves the calling participant and stores it
// in the Gin context for downstream handlers:
//
//	Request
//	   │
//	   ▼
//	IdentityMiddleware
//	   │
//	   ├─► provider.Resolve(request)
//	   │
//	   └─► Store participant ID in context
//	           │
//	           ▼
//	       Handler (retrieves via GetParticipant)
//
// # Open Source Behavior
//
// The default HeaderIdentityProvider trusts the X-Participant-Id header
// and mints a fresh ID when it is absent, so the service runs without
// any authentication infrastructure. Deployments that need verified
// identity plug in their own IdentityProvider.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Context Keys
// =============================================================================

// participantKey is the context key for the resolved participant ID.
// Using a namespaced key prevents collisions with other context values.
const participantKey = "puzzle_participant_id"

// participantHeader carries the client-claimed participant identity.
const participantHeader = "X-Participant-Id"

// =============================================================================
// Identity Provider
// =============================================================================

// IdentityProvider resolves the participant behind an HTTP request.
type IdentityProvider interface {
	// Resolve returns the participant ID for a request, or an error if
	// the request carries no acceptable identity.
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentityProvider trusts the X-Participant-Id header, minting a
// UUID when the header is absent. Never errors.
type HeaderIdentityProvider struct{}

// Resolve implements IdentityProvider.
func (HeaderIdentityProvider) Resolve(r *http.Request) (string, error) {
	if id := r.Header.Get(participantHeader); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}

var _ IdentityProvider = HeaderIdentityProvider{}

// =============================================================================
// Context Helpers
// =============================================================================

// SetParticipant stores the resolved participant ID in the Gin context.
func SetParticipant(c *gin.Context, participantID string) {
	c.Set(participantKey, participantID)
}

// GetParticipant retrieves the resolved participant ID. Returns empty
// string if the identity middleware did not run.
func GetParticipant(c *gin.Context) string {
	if v, exists := c.Get(participantKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityMiddleware creates a Gin middleware that resolves the calling
// participant via the given provider and stores it for handlers.
//
// # Inputs
//
//   - provider: IdentityProvider to resolve requests. Must not be nil.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func IdentityMiddleware(provider IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := provider.Resolve(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		SetParticipant(c, id)
		c.Next()
	}
}
