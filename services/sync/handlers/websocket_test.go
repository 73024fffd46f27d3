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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbuilder/puzzle-tutorial-sub000/services/sync/datatypes"
)

// wsClient wraps one test WebSocket connection.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, server *httptest.Server, sessionID, participantID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sessions/" + sessionID + "/ws"
	header := http.Header{"X-Participant-Id": []string{participantID}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// read returns the next server message within the deadline.
func (c *wsClient) read() serverMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg serverMessage
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

func (c *wsClient) send(op datatypes.ClientOp) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(op))
}

// readResult skips fan-out events until an op result arrives.
func (c *wsClient) readResult() datatypes.OpResult {
	c.t.Helper()
	for {
		msg := c.read()
		if msg.Result != nil {
			return *msg.Result
		}
	}
}

// readEvent skips until a fan-out event of the wanted type arrives.
func (c *wsClient) readEvent(want datatypes.EventType) datatypes.Event {
	c.t.Helper()
	for {
		msg := c.read()
		if msg.Event != nil && msg.Event.Type == want {
			return *msg.Event
		}
	}
}

func TestWebSocket_JoinUnknownSessionIsHTTPError(t *testing.T) {
	server := httptest.NewServer(newTestRouter(newTestDeps()))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sessions/nope/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_SnapshotThenLockAndMutate(t *testing.T) {
	deps := newTestDeps()
	server := httptest.NewServer(newTestRouter(deps))
	defer server.Close()

	s := deps.Registry.CreateSession("puzzle-1")
	client := dialWS(t, server, s.ID, "p1")

	// First frame is always the snapshot.
	msg := client.read()
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, s.ID, msg.Snapshot.SessionID)
	assert.Empty(t, msg.Snapshot.Resources)

	// Acquire, then mutate under the granted token.
	client.send(datatypes.ClientOp{Op: datatypes.OpAcquire, ResourceID: "piece-1"})
	granted := client.readResult()
	require.True(t, granted.Ok)
	require.Equal(t, int64(1), granted.FencingToken)
	require.NotNil(t, granted.ExpiresAt)

	client.send(datatypes.ClientOp{
		Op:           datatypes.OpMutate,
		ResourceID:   "piece-1",
		FencingToken: granted.FencingToken,
		Mutation:     &datatypes.Mutation{Kind: datatypes.MutationMove, X: 5, Y: 6},
	})
	applied := client.readResult()
	require.True(t, applied.Ok)
	assert.Equal(t, int64(1), applied.Sequence)

	// Release cleanly.
	client.send(datatypes.ClientOp{
		Op:           datatypes.OpRelease,
		ResourceID:   "piece-1",
		FencingToken: granted.FencingToken,
	})
	assert.True(t, client.readResult().Ok)
}

func TestWebSocket_MutateWithoutLockRejected(t *testing.T) {
	deps := newTestDeps()
	server := httptest.NewServer(newTestRouter(deps))
	defer server.Close()

	s := deps.Registry.CreateSession("puzzle-1")
	client := dialWS(t, server, s.ID, "p1")
	client.read() // snapshot

	client.send(datatypes.ClientOp{
		Op:         datatypes.OpMutate,
		ResourceID: "piece-1",
		Mutation:   &datatypes.Mutation{Kind: datatypes.MutationMove, X: 1},
	})
	res := client.readResult()
	assert.False(t, res.Ok)
	assert.Equal(t, datatypes.ReasonLockRequired, res.Reason)
}

func TestWebSocket_InvalidOpRejected(t *testing.T) {
	deps := newTestDeps()
	server := httptest.NewServer(newTestRouter(deps))
	defer server.Close()

	s := deps.Registry.CreateSession("puzzle-1")
	client := dialWS(t, server, s.ID, "p1")
	client.read() // snapshot

	// acquire with no resource_id fails validation.
	client.send(datatypes.ClientOp{Op: datatypes.OpAcquire})
	res := client.readResult()
	assert.False(t, res.Ok)
	assert.Equal(t, datatypes.ReasonInvalidPayload, res.Reason)
}

// TestWebSocket_FanOutReachesOthersNotOriginator is the end-to-end
// broadcast scenario: p1's applied mutation reaches p2 as an event while
// p1 only sees its own op result.
func TestWebSocket_FanOutReachesOthersNotOriginator(t *testing.T) {
	deps := newTestDeps()
	server := httptest.NewServer(newTestRouter(deps))
	defer server.Close()

	s := deps.Registry.CreateSession("puzzle-1")
	p1 := dialWS(t, server, s.ID, "p1")
	p1.read() // snapshot
	p2 := dialWS(t, server, s.ID, "p2")
	p2.read() // snapshot

	// p1 sees p2 join.
	joined := p1.readEvent(datatypes.EventJoined)
	assert.Equal(t, "p2", joined.Member.ParticipantID)

	p1.send(datatypes.ClientOp{Op: datatypes.OpAcquire, ResourceID: "piece-9"})
	granted := p1.readResult()
	require.True(t, granted.Ok)

	// p2 sees the lock event.
	lockEv := p2.readEvent(datatypes.EventLock)
	assert.Equal(t, "piece-9", lockEv.Lock.ResourceID)
	assert.Equal(t, "p1", lockEv.Lock.HolderID)

	p1.send(datatypes.ClientOp{
		Op:           datatypes.OpMutate,
		ResourceID:   "piece-9",
		FencingToken: granted.FencingToken,
		Mutation:     &datatypes.Mutation{Kind: datatypes.MutationPlace, Slot: "A4"},
	})
	require.True(t, p1.readResult().Ok)

	mutEv := p2.readEvent(datatypes.EventMutation)
	require.NotNil(t, mutEv.Mutation)
	assert.Equal(t, "piece-9", mutEv.Mutation.ResourceID)
	assert.Equal(t, int64(1), mutEv.Mutation.Sequence)
	assert.Equal(t, "A4", mutEv.Mutation.Mutation.Slot)
	assert.Equal(t, "p1", mutEv.OriginatorID)
}

func TestWebSocket_DisconnectReleasesLocks(t *testing.T) {
	deps := newTestDeps()
	server := httptest.NewServer(newTestRouter(deps))
	defer server.Close()

	s := deps.Registry.CreateSession("puzzle-1")
	p1 := dialWS(t, server, s.ID, "p1")
	p1.read() // snapshot

	p1.send(datatypes.ClientOp{Op: datatypes.OpAcquire, ResourceID: "piece-1"})
	require.True(t, p1.readResult().Ok)

	p2 := dialWS(t, server, s.ID, "p2")
	p2.read() // snapshot

	// p1 drops without releasing.
	p1.conn.Close()

	// p2 observes the unlock, then can acquire with a greater token.
	unlockEv := p2.readEvent(datatypes.EventLock)
	assert.Equal(t, "piece-1", unlockEv.Lock.ResourceID)
	assert.Empty(t, unlockEv.Lock.HolderID)

	p2.send(datatypes.ClientOp{Op: datatypes.OpAcquire, ResourceID: "piece-1"})
	granted := p2.readResult()
	require.True(t, granted.Ok)
	assert.Equal(t, int64(2), granted.FencingToken)
}

func TestWebSocket_RateLimitRefusesBurst(t *testing.T) {
	deps := newTestDeps()
	deps.OpsPerSecond = 1
	deps.OpsBurst = 1
	server := httptest.NewServer(newTestRouter(deps))
	defer server.Close()

	s := deps.Registry.CreateSession("puzzle-1")
	client := dialWS(t, server, s.ID, "p1")
	client.read() // snapshot

	client.send(datatypes.ClientOp{Op: datatypes.OpAcquire, ResourceID: "piece-1"})
	require.True(t, client.readResult().Ok)

	client.send(datatypes.ClientOp{Op: datatypes.OpAcquire, ResourceID: "piece-2"})
	res := client.readResult()
	assert.False(t, res.Ok)
	assert.Equal(t, datatypes.ReasonRateLimited, res.Reason)
}
