// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/presence"
)

// CreateSessionRequest is the body for POST /v1/sessions.
type CreateSessionRequest struct {
	PuzzleRef string `json:"puzzle_ref" binding:"required"`
}

// CreateSession starts a new collaborative session.
func CreateSession(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "puzzle_ref is required"})
			return
		}
		s := deps.Registry.CreateSession(req.PuzzleRef)
		c.JSON(http.StatusCreated, s)
	}
}

// ListSessions returns all active sessions.
func ListSessions(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": deps.Registry.List()})
	}
}

// GetSession returns one active session by ID.
func GetSession(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := deps.Registry.Get(c.Param("sessionId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// GetParticipants returns a session's membership with presence merged
// in. Members with no presence entry (never connected, or already swept)
// report Offline.
func GetParticipants(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		ids, ok := deps.Registry.GetParticipants(sessionID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		roster := deps.Tracker.Roster(c.Request.Context(), sessionID)
		byID := make(map[string]presence.Entry, len(roster))
		for _, e := range roster {
			byID[e.ParticipantID] = e
		}

		parts := make([]datatypes.Participant, 0, len(ids))
		for _, id := range ids {
			p := datatypes.Participant{
				ID:        id,
				SessionID: sessionID,
				Status:    datatypes.PresenceOffline,
			}
			if e, ok := byID[id]; ok {
				p.Status = e.Status
				p.LastActiveAt = e.LastActiveAt
			}
			parts = append(parts, p)
		}
		c.JSON(http.StatusOK, gin.H{"participants": parts})
	}
}

// CompleteSession closes a session as finished and retires it to the
// archive.
func CompleteSession(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if !deps.Registry.CompleteSession(c.Request.Context(), sessionID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed", "session_id": sessionID})
	}
}

// GetSessionState returns the current value of every touched resource,
// the same snapshot a joining WebSocket receives.
func GetSessionState(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if _, ok := deps.Registry.Get(sessionID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, datatypes.Snapshot{
			SessionID: sessionID,
			Resources: deps.Sync.SessionSnapshot(sessionID),
		})
	}
}

// GetMutationHistory replays a resource's persisted mutation records.
func GetMutationHistory(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Log == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "mutation log disabled"})
			return
		}
		sessionID := c.Param("sessionId")
		resourceID := c.Param("resourceId")

		records := make([]datatypes.MutationRecord, 0)
		err := deps.Log.Replay(sessionID, resourceID, func(rec datatypes.MutationRecord) error {
			records = append(records, rec)
			return nil
		})
		if err != nil {
			slog.Error("failed to replay mutation history",
				"session_id", sessionID,
				"resource_id", resourceID,
				"error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read mutation history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":  sessionID,
			"resource_id": resourceID,
			"records":     records,
		})
	}
}

// ListArchivedSessions returns completed and abandoned sessions from the
// archive.
func ListArchivedSessions(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Archive == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "session archive disabled"})
			return
		}
		sessions, err := deps.Archive.List(c.Request.Context())
		if err != nil {
			slog.Error("failed to list archived sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session archive"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// GetArchivedSession returns one archived session by ID.
func GetArchivedSession(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Archive == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "session archive disabled"})
			return
		}
		sessionID := c.Param("sessionId")
		s, found, err := deps.Archive.Get(c.Request.Context(), sessionID)
		if err != nil {
			slog.Error("failed to read archived session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session archive"})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found in archive"})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
