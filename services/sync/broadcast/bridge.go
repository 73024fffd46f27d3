// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// Bridge relays session events between server instances. A participant's
// WebSocket may land on any instance behind the load balancer, so an
// event applied here must still reach subscribers connected elsewhere.
type Bridge interface {
	// Publish relays one locally-originated event to peer instances.
	Publish(ctx context.Context, ev datatypes.Event) error

	// Close stops the relay and waits for its goroutine.
	Close() error
}

// NopBridge is the single-instance bridge: events stay local.
type NopBridge struct{}

func (NopBridge) Publish(context.Context, datatypes.Event) error { return nil }
func (NopBridge) Close() error                                   { return nil }

// defaultChannel is the Redis pub/sub channel shared by all instances.
const defaultChannel = "puzzle:events"

// bridgeEnvelope wraps an event with the publishing instance's identity
// so the publisher can discard its own echo.
type bridgeEnvelope struct {
	InstanceID string          `json:"instance_id"`
	Event      datatypes.Event `json:"event"`
}

// BridgeConfig holds cross-instance relay settings.
type BridgeConfig struct {
	// Channel is the Redis pub/sub channel. Default: "puzzle:events".
	Channel string

	// InstanceID identifies this server instance. Default: a random UUID.
	InstanceID string
}

// RedisBridge relays events over a single Redis pub/sub channel. Every
// instance receives every event and delivers it through its local hub;
// sessions with no local subscribers cost one map lookup.
type RedisBridge struct {
	client     redis.UniversalClient
	hub        *Hub
	channel    string
	instanceID string

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBridge starts the relay and begins delivering peer events into
// hub. The caller must still call hub.AttachBridge with the returned
// bridge so local events are relayed out.
func NewRedisBridge(ctx context.Context, client redis.UniversalClient, hub *Hub, cfg BridgeConfig) (*RedisBridge, error) {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	b := &RedisBridge{
		client:     client,
		hub:        hub,
		channel:    cfg.Channel,
		instanceID: cfg.InstanceID,
	}

	b.pubsub = client.Subscribe(ctx, b.channel)
	// Confirm the subscription before any event can be published, or an
	// early event could slip past this instance.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	b.wg.Add(1)
	go b.receiveLoop()

	slog.Info("cross-instance event bridge started",
		"channel", b.channel,
		"instance_id", b.instanceID)
	return b, nil
}

// Publish implements Bridge.
func (b *RedisBridge) Publish(ctx context.Context, ev datatypes.Event) error {
	data, err := json.Marshal(bridgeEnvelope{InstanceID: b.instanceID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode bridge envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBridge) receiveLoop() {
	defer b.wg.Done()

	// Channel closes when the PubSub is closed.
	for msg := range b.pubsub.Channel() {
		var env bridgeEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("discarding malformed bridge payload", "error", err)
			continue
		}
		if env.InstanceID == b.instanceID {
			continue // our own echo
		}
		b.hub.Dispatch(env.Event)
	}
}

// Close implements Bridge.
func (b *RedisBridge) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

var (
	_ Bridge = (*RedisBridge)(nil)
	_ Bridge = NopBridge{}
)
