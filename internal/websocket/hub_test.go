// FleetCare - AppleCare Coverage Sync for Managed Device Fleets
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fleetcare

package websocket

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHubRegisterBroadcastUnregister(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- hub.RunWithContext(ctx) }()

	client := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, 4)}
	hub.Register <- client

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := hub.BroadcastJSON(MessageTypeSyncProgress, map[string]int{"processed": 1}); err != nil {
		t.Fatalf("BroadcastJSON: %v", err)
	}

	select {
	case msg := <-client.send:
		if msg.Type != MessageTypeSyncProgress {
			t.Errorf("message type = %q", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	hub.Unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunWithContext returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunWithContext(ctx) }()

	// Unbuffered send channel: the first fan-out cannot deliver and the
	// client is dropped.
	client := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message)}
	hub.Register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if err := hub.BroadcastJSON(MessageTypeStatsUpdate, nil); err != nil {
		t.Fatalf("BroadcastJSON: %v", err)
	}
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestBroadcastJSONFullQueue(t *testing.T) {
	hub := NewHub()
	// Nothing draining the queue; fill it.
	for i := 0; i < cap(hub.broadcast); i++ {
		if err := hub.BroadcastJSON(MessageTypePing, nil); err != nil {
			t.Fatalf("fill broadcast %d: %v", i, err)
		}
	}
	if err := hub.BroadcastJSON(MessageTypePing, nil); !errors.Is(err, ErrBroadcastDropped) {
		t.Errorf("expected ErrBroadcastDropped, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
