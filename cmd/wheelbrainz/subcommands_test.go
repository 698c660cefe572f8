package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

func TestBuildSendEvent(t *testing.T) {
	tel := wheel.Telemetry{SpeedKph: 90}

	ev, err := buildSendEvent([]string{"telemetry"}, tel, "off", 0)
	if err != nil {
		t.Fatalf("buildSendEvent failed: %v", err)
	}
	tu := ev.(TelemetryUpdate)
	if tu.SpeedKph != 90 || tu.EngineRunning == nil || *tu.EngineRunning {
		t.Fatalf("expected telemetry with engine off, got %#v", tu)
	}

	ev, err = buildSendEvent([]string{"impact"}, tel, "", 2.5)
	if err != nil || ev != (ImpactReported{Velocity: 2.5}) {
		t.Fatalf("expected ImpactReported{2.5}, got %#v err=%v", ev, err)
	}

	bad := [][]string{nil, {"telemetry", "impact"}, {"horn"}}
	for _, args := range bad {
		if _, err := buildSendEvent(args, tel, "", 0); err == nil {
			t.Fatalf("expected error for args %v", args)
		}
	}
	if _, err := buildSendEvent([]string{"telemetry"}, tel, "maybe", 0); err == nil {
		t.Fatalf("expected error for bad -engine value")
	}
	if _, err := buildSendEvent([]string{"impact"}, tel, "", -1); err == nil {
		t.Fatalf("expected error for negative velocity")
	}
}

func TestWriteIncidentTable(t *testing.T) {
	var buf bytes.Buffer
	writeIncidentTable(&buf, []journal.Incident{
		{Kind: journal.KindShiftRejected, At: time.Now(), FromGear: journal.Int(1), ToGear: journal.Int(-1), Reason: "abrupt_jump"},
		{Kind: journal.KindImpact, At: time.Now(), Magnitude: 60},
	})
	out := buf.String()
	for _, want := range []string{"KIND", "shift_rejected", "abrupt_jump", "impact", "60"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected table to contain %q, got:\n%s", want, out)
		}
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], " R ") {
		t.Fatalf("expected reverse shown as R, got %q", lines[1])
	}
}

func TestGearText(t *testing.T) {
	cases := []struct {
		in   *int
		want string
	}{
		{nil, "-"},
		{journal.Int(0), "N"},
		{journal.Int(-1), "R"},
		{journal.Int(4), "4"},
	}
	for _, c := range cases {
		if got := gearText(c.in); got != c.want {
			t.Fatalf("gearText: expected %q, got %q", c.want, got)
		}
	}
}
