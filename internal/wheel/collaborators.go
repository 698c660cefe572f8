package wheel

// Device is the steering-wheel collaborator: a raw snapshot source and an
// effect sink. Implementations return errors matching ErrDeviceUnavailable
// (usually a *DeviceError) when the wheel is disconnected or I/O fails.
type Device interface {
	Initialize() error
	Poll() (DeviceSnapshot, error)
	SendEffect(EffectCommand) error
	Shutdown() error
}

// Vehicle is the simulation collaborator. Telemetry is read once per tick;
// the setters receive the loop's decisions.
type Vehicle interface {
	Telemetry() Telemetry
	EngineRunning() bool

	SetSteering(v float64)
	SetThrottle(v float64)
	SetBrake(v float64)
	SetClutch(v float64)
	SetHandbrake(on bool)
	SetGear(gear int)
	StartEngine()
	StopEngine()
}

// ApplyVehicle forwards one tick's decisions to the vehicle.
//
// Gear writes happen only when the engaged gear changed (admission or stall).
// A stall stops the engine; the engine-start button toggles it otherwise.
func ApplyVehicle(v Vehicle, r TickResult) {
	v.SetSteering(r.Inputs.Steering)
	v.SetThrottle(r.Inputs.Throttle)
	v.SetBrake(r.Inputs.Brake)
	v.SetClutch(r.Inputs.Clutch)
	v.SetHandbrake(r.Inputs.Handbrake)

	if r.Outcome.Kind == OutcomeAdmitted || r.Stalled {
		v.SetGear(r.Gear.EngagedGear)
	}

	switch {
	case r.Stalled:
		v.StopEngine()
	case r.EngineToggle && v.EngineRunning():
		v.StopEngine()
	case r.EngineToggle:
		v.StartEngine()
	}
}
