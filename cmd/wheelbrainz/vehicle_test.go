package main

import (
	"testing"

	"wheelbrainz/internal/wheel"
)

func TestRemoteVehicle_TelemetryAndImpacts(t *testing.T) {
	v := newRemoteVehicle()
	if v.connected() {
		t.Fatalf("expected no telemetry before the first update")
	}

	on := true
	if !v.handle(TelemetryUpdate{Telemetry: wheel.Telemetry{SpeedKph: 42}, EngineRunning: &on}) {
		t.Fatalf("expected telemetry to be consumed")
	}
	if !v.connected() || v.Telemetry().SpeedKph != 42 || !v.EngineRunning() {
		t.Fatalf("expected telemetry and engine state applied, got %#v running=%v", v.Telemetry(), v.EngineRunning())
	}

	// Omitted engine state leaves it unchanged.
	v.handle(TelemetryUpdate{Telemetry: wheel.Telemetry{SpeedKph: 43}})
	if !v.EngineRunning() {
		t.Fatalf("expected engine still running")
	}

	v.handle(ImpactReported{Velocity: 1})
	v.handle(ImpactReported{Velocity: 2})
	got := v.takeImpacts()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected impacts [1 2], got %v", got)
	}
	if again := v.takeImpacts(); again != nil {
		t.Fatalf("expected impacts cleared, got %v", again)
	}

	if v.handle(RequestStateSnapshot{}) {
		t.Fatalf("expected snapshot requests not to be consumed by the vehicle")
	}
}

func TestRemoteVehicle_CollectsDecisions(t *testing.T) {
	v := newRemoteVehicle()
	wheel.ApplyVehicle(v, wheel.TickResult{
		Inputs:       wheel.NormalizedInputs{Steering: -0.5, Throttle: 0.7, Clutch: 1, Handbrake: true},
		Outcome:      wheel.ShiftOutcome{Kind: wheel.OutcomeAdmitted, Gear: 2},
		Gear:         wheel.GearState{EngagedGear: 2, LastValidGear: 2},
		EngineToggle: true,
	})

	want := VehicleInput{Steering: -0.5, Throttle: 0.7, Clutch: 1, Handbrake: true, Gear: 2, EngineRunning: true}
	if got := v.snapshot(); got != want {
		t.Fatalf("expected %#v, got %#v", want, got)
	}
}
