package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startTestIPC(t *testing.T, events chan Event) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "wheel.sock")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runIPCServer(ctx, socket, events, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("IPC server returned error: %v", err)
			}
		case <-time.After(time.Second):
			t.Errorf("timeout waiting for IPC server to stop")
		}
	})

	waitUntil(t, time.Second, func() bool {
		return SendIPCEvent(socket, ImpactReported{Velocity: 0}) == nil
	}, "IPC server not listening")
	<-events // the readiness ping
	return socket
}

func TestIPC_EventReachesQueue(t *testing.T) {
	events := make(chan Event, 4)
	socket := startTestIPC(t, events)

	if err := SendIPCEvent(socket, ImpactReported{Velocity: 3}); err != nil {
		t.Fatalf("SendIPCEvent failed: %v", err)
	}
	select {
	case ev := <-events:
		if imp, ok := ev.(ImpactReported); !ok || imp.Velocity != 3 {
			t.Fatalf("expected ImpactReported{3}, got %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event")
	}
}

func TestIPC_QueueFullIsReported(t *testing.T) {
	events := make(chan Event, 1)
	socket := startTestIPC(t, events)

	if err := SendIPCEvent(socket, ImpactReported{Velocity: 1}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	err := SendIPCEvent(socket, ImpactReported{Velocity: 2})
	if err == nil || !strings.Contains(err.Error(), "event queue full") {
		t.Fatalf("expected queue full error, got %v", err)
	}
}

func TestIPC_ConnectFailsWithoutServer(t *testing.T) {
	err := SendIPCEvent(filepath.Join(t.TempDir(), "missing.sock"), ImpactReported{})
	if err == nil {
		t.Fatalf("expected connect error")
	}
}
