package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"wheelbrainz/internal/wheel"
)

// These tests exercise the hub without a real websocket server: Clients are
// built with a nil websocket.Conn and the hub guards every Close against nil.

func newTestHub(t *testing.T, events chan<- Event, sendBuf int, broadcastBuf int) *Hub {
	t.Helper()
	return NewHub(slog.Default(), events, HubConfig{
		SendBuf:      sendBuf,
		BroadcastBuf: broadcastBuf,
	})
}

func newTestClient(hub *Hub, name string, buf int) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, buf),
		remoteAddr: name,
		logger:     slog.Default(),
	}
}

func registerAndWait(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitUntil(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, c.remoteAddr+" not registered in time")
}

func TestHub_BroadcastDeliveredToAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, nil, 4, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := newTestClient(hub, "c1", 4)
	c2 := newTestClient(hub, "c2", 4)
	registerAndWait(t, hub, c1)
	registerAndWait(t, hub, c2)

	if n := hub.ClientCount(); n != 2 {
		t.Fatalf("expected 2 clients, got %d", n)
	}

	msg := []byte(`{"type":"shift","data":{"outcome":{"kind":"admitted","gear":2}}}`)
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s to receive broadcast", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}
}

func TestHub_SlowClientDisconnectedOnFullSendBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, nil, 1, 8)
	go hub.Run(ctx)

	slow := newTestClient(hub, "slow", 1)
	fast := newTestClient(hub, "fast", 8)
	registerAndWait(t, hub, slow)
	registerAndWait(t, hub, fast)

	slow.send <- []byte(`"already queued"`)

	msg := []byte(`{"type":"device","data":{"available":false}}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client to receive broadcast")
	}

	// Drain the pre-filled message, then expect the channel to be closed.
	select {
	case <-slow.send:
	default:
	}
	waitUntil(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	}, "expected slow send channel to be closed")
}

func TestClient_ForwardRoutesSimulatorFrames(t *testing.T) {
	events := make(chan Event, 1)
	hub := newTestHub(t, events, 4, 4)
	c := newTestClient(hub, "sim", 4)

	c.forward([]byte(`{"type":"impact","data":{"velocity":3.5}}`))
	select {
	case ev := <-events:
		imp, ok := ev.(ImpactReported)
		if !ok || imp.Velocity != 3.5 {
			t.Fatalf("expected ImpactReported{3.5}, got %#v", ev)
		}
	default:
		t.Fatalf("expected an event to be forwarded")
	}

	// Bad frames are dropped without blocking.
	c.forward([]byte(`{"type":"nope"}`))
	c.forward([]byte(`not json`))
	if len(events) != 0 {
		t.Fatalf("expected no events from bad frames, got %d", len(events))
	}

	// A full queue drops instead of blocking the read pump.
	c.forward([]byte(`{"type":"impact","data":{"velocity":1}}`))
	c.forward([]byte(`{"type":"impact","data":{"velocity":2}}`))
	if len(events) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(events))
	}
}

func TestRunBroadcaster_CoalescesTicksAndFlushesBeforeDiscreteEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, nil, 4, 16)
	src := make(chan StateBroadcast, 8)

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		src <- BroadcastTick{At: t0, Inputs: wheel.NormalizedInputs{Throttle: float64(i) / 10}}
	}
	src <- BroadcastShift{At: t0, Outcome: wheel.ShiftOutcome{Kind: wheel.OutcomeAdmitted, Gear: 2}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunBroadcaster(ctx, hub, src, slog.Default())
	}()

	first := readFrame(t, hub)
	if first.Type != "tick_state" {
		t.Fatalf("expected tick_state first, got %q", first.Type)
	}
	var tick wsTickData
	if err := json.Unmarshal(first.Data, &tick); err != nil {
		t.Fatalf("unmarshal tick: %v", err)
	}
	if tick.Inputs.Throttle != 0.3 {
		t.Fatalf("expected latest tick (throttle 0.3), got %v", tick.Inputs.Throttle)
	}

	second := readFrame(t, hub)
	if second.Type != "shift" {
		t.Fatalf("expected shift second, got %q", second.Type)
	}

	select {
	case extra := <-hub.broadcast:
		t.Fatalf("expected no further frames, got %s", extra)
	case <-time.After(100 * time.Millisecond):
	}

	close(src)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for broadcaster to stop")
	}
}

func TestRunBroadcaster_FlushesLoneTickAfterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := newTestHub(t, nil, 4, 16)
	src := make(chan StateBroadcast, 1)
	go RunBroadcaster(ctx, hub, src, slog.Default())

	src <- BroadcastTick{At: time.Now()}
	if f := readFrame(t, hub); f.Type != "tick_state" {
		t.Fatalf("expected tick_state, got %q", f.Type)
	}
}

func TestConvertBroadcast_WarningCue(t *testing.T) {
	ev, ok := convertBroadcast(BroadcastWarning{
		Transition: wheel.WarningStarted,
		State:      wheel.WarningState{Active: true, Reason: wheel.WarningStall},
	})
	if !ok || ev.Type != "warning" {
		t.Fatalf("expected warning frame, got %#v", ev)
	}
	if d := ev.Data.(wsWarningData); d.Cue != "start" || !d.State.Active {
		t.Fatalf("expected start cue with active state, got %#v", d)
	}

	ev, _ = convertBroadcast(BroadcastWarning{Transition: wheel.WarningStopped})
	if d := ev.Data.(wsWarningData); d.Cue != "stop" {
		t.Fatalf("expected stop cue, got %q", d.Cue)
	}
}

type rawFrame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, hub *Hub) rawFrame {
	t.Helper()
	select {
	case msg := <-hub.broadcast:
		var f rawFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("unmarshal frame %s: %v", msg, err)
		}
		if f.Ts == nil {
			t.Fatalf("expected ts on frame %s", msg)
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for broadcast frame")
	}
	return rawFrame{}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
