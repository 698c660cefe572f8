package main

import (
	"time"

	"wheelbrainz/internal/wheel"
)

// StateBroadcast is emitted by the daemon loop for the websocket
// broadcaster. The loop sends these non-blocking; a full queue drops them.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastTick carries the per-tick control state. The broadcaster
// coalesces these (latest wins) so UI clients are not flooded at tick rate.
type BroadcastTick struct {
	At     time.Time
	Inputs wheel.NormalizedInputs
	Gear   wheel.GearState
}

// BroadcastVehicleInput carries the controls written to the vehicle this tick.
type BroadcastVehicleInput struct {
	At    time.Time
	Input VehicleInput
}

// BroadcastShift is emitted for every admitted or rejected gear request,
// and for stalls.
type BroadcastShift struct {
	At      time.Time
	Outcome wheel.ShiftOutcome
	Stalled bool
	Gear    wheel.GearState
}

// BroadcastWarning is emitted when the interlock warning starts or stops.
type BroadcastWarning struct {
	At         time.Time
	Transition wheel.WarningTransition
	State      wheel.WarningState
}

// BroadcastDevice is emitted when the wheel becomes unavailable or returns.
type BroadcastDevice struct {
	At        time.Time
	Available bool
	Error     string
}

func (BroadcastTick) broadcastMarker()         {}
func (BroadcastVehicleInput) broadcastMarker() {}
func (BroadcastShift) broadcastMarker()        {}
func (BroadcastWarning) broadcastMarker()      {}
func (BroadcastDevice) broadcastMarker()       {}

// StateSnapshot is a consistent copy of loop-owned state, produced on
// request (RequestStateSnapshot) for new websocket clients and /healthz.
type StateSnapshot struct {
	At              time.Time              `json:"at"`
	DeviceAvailable bool                   `json:"device_available"`
	Inputs          wheel.NormalizedInputs `json:"inputs"`
	Gear            wheel.GearState        `json:"gear"`
	Warning         wheel.WarningState     `json:"warning"`
	Vehicle         VehicleInput           `json:"vehicle"`
	Telemetry       wheel.Telemetry        `json:"telemetry"`
	TelemetrySeen   bool                   `json:"telemetry_seen"`
	SessionID       string                 `json:"session_id,omitempty"`
}
