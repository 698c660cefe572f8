package wheel

import "time"

// MaxButtons is the size of the button bitset carried by a DeviceSnapshot.
const MaxButtons = 128

// PhysicalAxis identifies a raw absolute axis as reported by the device.
// Wheels disagree on which axis carries which pedal, so logical controls are
// resolved through AxisMapping rather than fixed positions.
type PhysicalAxis int

const (
	AxisX PhysicalAxis = iota
	AxisY
	AxisZ
	AxisRx
	AxisRy
	AxisRz
	AxisSlider0
	AxisSlider1

	numAxes
)

var axisNames = [numAxes]string{"x", "y", "z", "rx", "ry", "rz", "slider0", "slider1"}

func (a PhysicalAxis) String() string {
	if a < 0 || a >= numAxes {
		return "unknown"
	}
	return axisNames[a]
}

// ParsePhysicalAxis resolves a config-file axis name ("x", "rz", ...).
func ParsePhysicalAxis(s string) (PhysicalAxis, bool) {
	for i, n := range axisNames {
		if n == s {
			return PhysicalAxis(i), true
		}
	}
	return 0, false
}

// DeviceSnapshot is an immutable per-tick capture of raw device state.
//
// It is a plain value: fixed-size arrays only, so two snapshots compare with ==.
type DeviceSnapshot struct {
	Axes    [numAxes]int16
	Buttons [MaxButtons]bool
}

// Axis returns the raw value of a physical axis (0 for unknown axes).
func (s DeviceSnapshot) Axis(a PhysicalAxis) int16 {
	if a < 0 || a >= numAxes {
		return 0
	}
	return s.Axes[a]
}

// Button reports whether button i is down. Out-of-range indices read as up.
func (s DeviceSnapshot) Button(i int) bool {
	if i < 0 || i >= MaxButtons {
		return false
	}
	return s.Buttons[i]
}

// WithButton returns a copy of s with button i set to down.
func (s DeviceSnapshot) WithButton(i int, down bool) DeviceSnapshot {
	if i >= 0 && i < MaxButtons {
		s.Buttons[i] = down
	}
	return s
}

// WithAxis returns a copy of s with axis a set to raw.
func (s DeviceSnapshot) WithAxis(a PhysicalAxis, raw int16) DeviceSnapshot {
	if a >= 0 && a < numAxes {
		s.Axes[a] = raw
	}
	return s
}

// Telemetry is the read side of the vehicle collaborator, sampled once per tick.
type Telemetry struct {
	SpeedKph      float64 `json:"speed_kph"`
	LateralG      float64 `json:"lateral_g"`
	LongitudinalG float64 `json:"longitudinal_g"`
	VerticalG     float64 `json:"vertical_g"`
	EngagedGear   int     `json:"engaged_gear"`
}

// TickInput is everything one fixed step of the control loop consumes.
type TickInput struct {
	Now time.Time

	// Connected is false when the device poll failed or reported a disconnect.
	// Snapshot is ignored in that case.
	Connected bool
	Snapshot  DeviceSnapshot

	Telemetry Telemetry

	// ImpactVelocities are external impact events (m/s) received since the last tick.
	ImpactVelocities []float64
}
