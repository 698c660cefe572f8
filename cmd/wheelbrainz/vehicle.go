package main

import "wheelbrainz/internal/wheel"

// VehicleInput is the set of driver controls the loop last wrote to the
// simulated vehicle. It is what the simulator consumes (via the websocket
// "vehicle_input" frame).
type VehicleInput struct {
	Steering      float64 `json:"steering"`
	Throttle      float64 `json:"throttle"`
	Brake         float64 `json:"brake"`
	Clutch        float64 `json:"clutch"`
	Handbrake     bool    `json:"handbrake"`
	Gear          int     `json:"gear"`
	EngineRunning bool    `json:"engine_running"`
}

// remoteVehicle is the wheel.Vehicle for a simulator that lives in another
// process. Telemetry and impacts arrive as events; the loop's decisions are
// collected into a VehicleInput and published after each tick.
//
// Owned by the daemon loop goroutine; not safe for concurrent use.
type remoteVehicle struct {
	telemetry wheel.Telemetry
	input     VehicleInput
	impacts   []float64
	seen      bool
}

func newRemoteVehicle() *remoteVehicle {
	return &remoteVehicle{}
}

// handle applies a simulator event. It reports whether the event was one
// the vehicle consumes.
func (v *remoteVehicle) handle(ev Event) bool {
	switch e := ev.(type) {
	case TelemetryUpdate:
		v.telemetry = e.Telemetry
		v.seen = true
		if e.EngineRunning != nil {
			v.input.EngineRunning = *e.EngineRunning
		}
		return true
	case ImpactReported:
		v.impacts = append(v.impacts, e.Velocity)
		return true
	default:
		return false
	}
}

// takeImpacts returns and clears the impacts queued since the last tick.
func (v *remoteVehicle) takeImpacts() []float64 {
	if len(v.impacts) == 0 {
		return nil
	}
	out := v.impacts
	v.impacts = nil
	return out
}

// connected reports whether any telemetry has been received yet.
func (v *remoteVehicle) connected() bool { return v.seen }

func (v *remoteVehicle) snapshot() VehicleInput { return v.input }

func (v *remoteVehicle) Telemetry() wheel.Telemetry { return v.telemetry }
func (v *remoteVehicle) EngineRunning() bool        { return v.input.EngineRunning }

func (v *remoteVehicle) SetSteering(x float64) { v.input.Steering = x }
func (v *remoteVehicle) SetThrottle(x float64) { v.input.Throttle = x }
func (v *remoteVehicle) SetBrake(x float64)    { v.input.Brake = x }
func (v *remoteVehicle) SetClutch(x float64)   { v.input.Clutch = x }
func (v *remoteVehicle) SetHandbrake(on bool)  { v.input.Handbrake = on }
func (v *remoteVehicle) SetGear(g int)         { v.input.Gear = g }
func (v *remoteVehicle) StartEngine()          { v.input.EngineRunning = true }
func (v *remoteVehicle) StopEngine()           { v.input.EngineRunning = false }

var _ wheel.Vehicle = (*remoteVehicle)(nil)
