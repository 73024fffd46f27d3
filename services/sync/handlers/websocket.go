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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/lock"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/middleware"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/observability"
	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// wsConn serializes writes to one WebSocket. The fan-out pump and the
// op-reply path both write; gorilla allows only one writer at a time.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// serverMessage is the envelope for everything the server pushes:
// exactly one field is set.
type serverMessage struct {
	Snapshot *datatypes.Snapshot `json:"snapshot,omitempty"`
	Result   *datatypes.OpResult `json:"result,omitempty"`
	Event    *datatypes.Event    `json:"event,omitempty"`
}

// HandleSessionWebSocket is the realtime endpoint: join a session, stream
// operations in, receive the event fan-out.
//
// Flow: membership check and join happen before the upgrade so capacity
// rejections are plain HTTP errors. After the upgrade the client gets the
// state snapshot, then a reader loop processes ClientOps while a writer
// pump drains the hub subscription. Disconnect releases held locks,
// starts the presence grace period, and leaves the session.
func HandleSessionWebSocket(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		participantID := middleware.GetParticipant(c)
		connID := uuid.NewString()

		switch deps.Registry.JoinSession(sessionID, participantID, connID) {
		case registry.JoinSessionNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		case registry.JoinSessionFull:
			c.JSON(http.StatusConflict, gin.H{"error": "session full"})
			return
		case registry.JoinAccepted:
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			deps.Registry.LeaveSession(sessionID, participantID, connID)
			return
		}
		defer ws.Close()

		observability.ConnectionOpened()
		slog.Info("participant connected",
			"session_id", sessionID,
			"participant_id", participantID,
			"conn_id", connID)

		conn := &wsConn{ws: ws}
		ctx := c.Request.Context()

		sub := deps.Hub.Register(sessionID, participantID)
		deps.Tracker.Connect(ctx, sessionID, participantID, connID)
		deps.Hub.PublishMember(ctx, sessionID, datatypes.EventJoined, participantID)

		// Writer pump: hub events to the wire. Exits when Unregister
		// closes the subscription channel.
		var pumpWG sync.WaitGroup
		pumpWG.Add(1)
		go func() {
			defer pumpWG.Done()
			for ev := range sub.C() {
				ev := ev
				if err := conn.writeJSON(serverMessage{Event: &ev}); err != nil {
					return
				}
			}
		}()

		// Initial snapshot so a reconnecting client catches up before any
		// incremental events.
		if err := conn.writeJSON(serverMessage{Snapshot: buildSnapshot(ctx, deps, sessionID)}); err != nil {
			slog.Warn("failed to send snapshot", "session_id", sessionID, "error", err)
		}

		limiter := rate.NewLimiter(rate.Limit(deps.OpsPerSecond), deps.OpsBurst)

		for {
			var op datatypes.ClientOp
			if err := ws.ReadJSON(&op); err != nil {
				slog.Info("participant disconnected",
					"session_id", sessionID,
					"participant_id", participantID,
					"error", err.Error())
				break
			}

			if err := deps.Validate.Struct(op); err != nil {
				if writeErr := conn.writeJSON(serverMessage{Result: &datatypes.OpResult{
					Op:         op.Op,
					ResourceID: op.ResourceID,
					Reason:     datatypes.ReasonInvalidPayload,
				}}); writeErr != nil {
					break
				}
				continue
			}

			if !limiter.Allow() {
				observability.RecordRateLimited()
				if writeErr := conn.writeJSON(serverMessage{Result: &datatypes.OpResult{
					Op:         op.Op,
					ResourceID: op.ResourceID,
					Reason:     datatypes.ReasonRateLimited,
				}}); writeErr != nil {
					break
				}
				continue
			}

			deps.Tracker.RecordActivity(ctx, sessionID, participantID)
			deps.Registry.Touch(sessionID)

			result := handleOp(c, deps, sessionID, participantID, op)
			if result == nil {
				continue // heartbeat has no reply
			}
			if err := conn.writeJSON(serverMessage{Result: result}); err != nil {
				break
			}
		}

		// Teardown order matters: stop the pump before touching locks so
		// release events for other participants don't race our own exit.
		deps.Hub.Unregister(sub)
		pumpWG.Wait()

		deps.Tracker.Disconnect(ctx, sessionID, participantID, connID)

		if left := deps.Registry.LeaveSession(sessionID, participantID, connID); left {
			// Background context: the request context is done once the
			// client is gone, but the locks still need freeing.
			cleanupCtx, cancel := contextWithCleanupTimeout()
			if _, err := deps.Locks.ReleaseAllHeldBy(cleanupCtx, sessionID, participantID); err != nil {
				slog.Error("failed to release locks on disconnect",
					"participant_id", participantID,
					"error", err)
			}
			deps.Hub.PublishMember(cleanupCtx, sessionID, datatypes.EventLeft, participantID)
			cancel()
		}
		observability.ConnectionClosed()
	}
}

// handleOp dispatches one validated client operation. Returns nil when no
// direct reply is owed.
func handleOp(c *gin.Context, deps *Deps, sessionID, participantID string, op datatypes.ClientOp) *datatypes.OpResult {
	ctx := c.Request.Context()
	ttl := time.Duration(op.TTLMs) * time.Millisecond

	switch op.Op {
	case datatypes.OpHeartbeat:
		return nil

	case datatypes.OpAcquire:
		res, err := deps.Locks.TryAcquire(ctx, sessionID, op.ResourceID, participantID, ttl)
		if err != nil {
			observability.RecordLockOperation("acquire", "error")
			return storeUnavailableResult(op)
		}
		if !res.Granted {
			observability.RecordLockOperation("acquire", "denied")
			reason := datatypes.ReasonNotHolder
			if res.Record.HolderID == participantID {
				reason = datatypes.ReasonAlreadyHeld
			}
			return &datatypes.OpResult{
				Op:         op.Op,
				ResourceID: op.ResourceID,
				Reason:     reason,
				HolderID:   res.Record.HolderID,
			}
		}
		observability.RecordLockOperation("acquire", "granted")
		return &datatypes.OpResult{
			Op:           op.Op,
			ResourceID:   op.ResourceID,
			Ok:           true,
			FencingToken: res.Record.FencingToken,
			ExpiresAt:    &res.Record.ExpiresAt,
		}

	case datatypes.OpRenew:
		rec, ok, err := deps.Locks.Renew(ctx, sessionID, op.ResourceID, participantID, op.FencingToken, ttl)
		if err != nil {
			observability.RecordLockOperation("renew", "error")
			return storeUnavailableResult(op)
		}
		if !ok {
			observability.RecordLockOperation("renew", "denied")
			return &datatypes.OpResult{
				Op:         op.Op,
				ResourceID: op.ResourceID,
				Reason:     datatypes.ReasonStaleToken,
			}
		}
		observability.RecordLockOperation("renew", "granted")
		return &datatypes.OpResult{
			Op:           op.Op,
			ResourceID:   op.ResourceID,
			Ok:           true,
			FencingToken: rec.FencingToken,
			ExpiresAt:    &rec.ExpiresAt,
		}

	case datatypes.OpRelease:
		ok, err := deps.Locks.Release(ctx, sessionID, op.ResourceID, participantID, op.FencingToken)
		if err != nil {
			observability.RecordLockOperation("release", "error")
			return storeUnavailableResult(op)
		}
		if !ok {
			observability.RecordLockOperation("release", "denied")
			return &datatypes.OpResult{
				Op:         op.Op,
				ResourceID: op.ResourceID,
				Reason:     datatypes.ReasonStaleToken,
			}
		}
		observability.RecordLockOperation("release", "granted")
		return &datatypes.OpResult{Op: op.Op, ResourceID: op.ResourceID, Ok: true}

	case datatypes.OpMutate:
		if op.Mutation == nil {
			return &datatypes.OpResult{
				Op:         op.Op,
				ResourceID: op.ResourceID,
				Reason:     datatypes.ReasonInvalidPayload,
			}
		}
		start := time.Now()
		res, err := deps.Sync.ApplyMutation(ctx, sessionID, op.ResourceID, participantID, op.FencingToken, *op.Mutation)
		if err != nil {
			if !errors.Is(err, lock.ErrStoreUnavailable) {
				slog.Error("mutation apply failed",
					"session_id", sessionID,
					"resource_id", op.ResourceID,
					"error", err)
			}
			return storeUnavailableResult(op)
		}
		if !res.Applied {
			observability.RecordMutationRejected(string(res.Reason))
			return &datatypes.OpResult{
				Op:         op.Op,
				ResourceID: op.ResourceID,
				Reason:     res.Reason,
				HolderID:   res.HolderID,
			}
		}
		observability.RecordMutationApplied(time.Since(start))
		deps.Hub.PublishMutation(ctx, sessionID, res.Sequenced)
		return &datatypes.OpResult{
			Op:         op.Op,
			ResourceID: op.ResourceID,
			Ok:         true,
			Sequence:   res.Sequenced.Sequence,
		}
	}

	return &datatypes.OpResult{Op: op.Op, Reason: datatypes.ReasonInvalidPayload}
}

// storeUnavailableResult is the fail-closed reply: the coordination store
// is unreachable, so the operation is refused rather than risked.
func storeUnavailableResult(op datatypes.ClientOp) *datatypes.OpResult {
	return &datatypes.OpResult{
		Op:         op.Op,
		ResourceID: op.ResourceID,
		Reason:     datatypes.ReasonStoreUnavailable,
	}
}

// buildSnapshot collects the session's touched resources and their live
// locks. Lock reads are best-effort: an unreachable store degrades the
// snapshot, the join still succeeds.
func buildSnapshot(ctx context.Context, deps *Deps, sessionID string) *datatypes.Snapshot {
	snap := &datatypes.Snapshot{
		SessionID: sessionID,
		Resources: deps.Sync.SessionSnapshot(sessionID),
	}
	for _, rs := range snap.Resources {
		rec, found, err := deps.Locks.Current(ctx, rs.ResourceID)
		if err != nil || !found {
			continue
		}
		expires := rec.ExpiresAt
		snap.Locks = append(snap.Locks, datatypes.LockEvent{
			ResourceID: rec.ResourceID,
			HolderID:   rec.HolderID,
			ExpiresAt:  &expires,
		})
	}
	return snap
}

// contextWithCleanupTimeout bounds disconnect cleanup. The request
// context is already done once the client is gone, so cleanup gets its
// own deadline.
func contextWithCleanupTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
