// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast fans events out to every live connection in a session.
//
// # Description
//
// The hub keeps a per-connection bounded queue and never blocks a
// publisher: when a consumer falls behind, its oldest queued event is
// dropped and counted. A slow phone on hotel wifi must not add latency
// for anyone else in the session.
//
// Events originated on this instance are also handed to the bridge, which
// relays them to peer instances over Redis pub/sub; events arriving from
// the bridge are delivered locally only, so nothing loops.
//
// # Thread Safety
//
// All Hub methods are safe for concurrent use.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// defaultQueueSize bounds each subscriber's pending-event queue.
const defaultQueueSize = 64

// Subscription is one connection's membership in a session's fan-out.
// The owner drains C from its writer goroutine; after Unregister the
// channel is closed and the writer should exit.
type Subscription struct {
	SessionID     string
	ParticipantID string

	ch chan datatypes.Event
}

// C is the subscriber's event stream.
func (s *Subscription) C() <-chan datatypes.Event {
	return s.ch
}

// HubConfig holds fan-out settings.
type HubConfig struct {
	// QueueSize bounds each subscriber's queue. Default: 64.
	QueueSize int

	// OnDrop is invoked once per event dropped from a slow subscriber's
	// queue. May be nil.
	OnDrop func(sessionID string)
}

// Hub routes session events to local subscribers and across instances.
type Hub struct {
	cfg    HubConfig
	bridge Bridge

	mu       sync.RWMutex
	sessions map[string]map[*Subscription]struct{}
}

// NewHub creates a hub with no bridge attached; events stay on this
// instance until AttachBridge is called.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Hub{
		cfg:      cfg,
		sessions: make(map[string]map[*Subscription]struct{}),
	}
}

// AttachBridge wires the cross-instance relay. Call before serving
// traffic; the hub does not synchronize bridge swaps.
func (h *Hub) AttachBridge(b Bridge) {
	h.bridge = b
}

// Register adds a connection to a session's fan-out and returns its
// subscription.
func (h *Hub) Register(sessionID, participantID string) *Subscription {
	sub := &Subscription{
		SessionID:     sessionID,
		ParticipantID: participantID,
		ch:            make(chan datatypes.Event, h.cfg.QueueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unregister removes a subscription and closes its channel. Safe to call
// once per subscription; delivery in flight completes first.
func (h *Hub) Unregister(sub *Subscription) {
	h.mu.Lock()
	subs, ok := h.sessions[sub.SessionID]
	if ok {
		if _, member := subs[sub]; !member {
			h.mu.Unlock()
			return
		}
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.sessions, sub.SessionID)
		}
	}
	h.mu.Unlock()

	// No publisher can touch sub.ch anymore: deliveries run under the
	// read lock and the map entry is gone.
	close(sub.ch)
}

// SessionSize reports the number of local subscribers in a session.
func (h *Hub) SessionSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Publish delivers an event to every local subscriber in the session
// except the originator, then relays it to peer instances. Never blocks.
func (h *Hub) Publish(ctx context.Context, ev datatypes.Event) {
	h.Dispatch(ev)

	if h.bridge == nil {
		return
	}
	if err := h.bridge.Publish(ctx, ev); err != nil {
		// Fail open: local participants already got the event.
		slog.Warn("cross-instance relay failed",
			"session_id", ev.SessionID,
			"event_type", ev.Type,
			"error", err)
	}
}

// Dispatch delivers an event to local subscribers only. The bridge calls
// this for events arriving from peer instances.
func (h *Hub) Dispatch(ev datatypes.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.sessions[ev.SessionID] {
		if sub.ParticipantID == ev.OriginatorID {
			continue
		}
		h.send(sub, ev)
	}
}

// send enqueues one event, shedding the subscriber's oldest pending
// event when the queue is full.
func (h *Hub) send(sub *Subscription, ev datatypes.Event) {
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			if h.cfg.OnDrop != nil {
				h.cfg.OnDrop(sub.SessionID)
			}
		default:
		}
	}
}

// =============================================================================
// Typed publish helpers
// =============================================================================

// PublishLock announces a lock transition. Implements the lock manager's
// event sink.
func (h *Hub) PublishLock(ctx context.Context, sessionID string, ev datatypes.LockEvent, originatorID string) {
	h.Publish(ctx, datatypes.Event{
		Type:         datatypes.EventLock,
		SessionID:    sessionID,
		OriginatorID: originatorID,
		Lock:         &ev,
	})
}

// PublishMutation announces an applied mutation to the rest of the
// session.
func (h *Hub) PublishMutation(ctx context.Context, sessionID string, m datatypes.SequencedMutation) {
	h.Publish(ctx, datatypes.Event{
		Type:         datatypes.EventMutation,
		SessionID:    sessionID,
		OriginatorID: m.ParticipantID,
		Mutation:     &m,
	})
}

// PublishPresence announces a presence transition. Presence events go to
// everyone, including the participant whose status changed.
func (h *Hub) PublishPresence(ctx context.Context, sessionID string, ev datatypes.PresenceEvent) {
	h.Publish(ctx, datatypes.Event{
		Type:      datatypes.EventPresence,
		SessionID: sessionID,
		Presence:  &ev,
	})
}

// PublishMember announces a join or leave.
func (h *Hub) PublishMember(ctx context.Context, sessionID string, t datatypes.EventType, participantID string) {
	h.Publish(ctx, datatypes.Event{
		Type:         t,
		SessionID:    sessionID,
		OriginatorID: participantID,
		Member:       &datatypes.MemberEvent{ParticipantID: participantID},
	})
}
