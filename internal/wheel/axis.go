package wheel

import "fmt"

// rawFullScale is the magnitude of the calibrated raw range [-32767, 32767].
const rawFullScale = 32767.0

// Control is a logical driving control fed by one physical axis.
type Control string

const (
	ControlSteering Control = "steering"
	ControlThrottle Control = "throttle"
	ControlBrake    Control = "brake"
	ControlClutch   Control = "clutch"
)

// Policy selects how a raw axis value is mapped into its target range.
type Policy int

const (
	// PolicyBipolar maps [-32767, 32767] linearly onto [-1, 1].
	PolicyBipolar Policy = iota
	// PolicyReleasedPositive maps a centered pedal that rests at +32767 onto [0, 1].
	PolicyReleasedPositive
	// PolicyReleasedNegative maps a centered pedal that rests at -32767 onto [0, 1].
	PolicyReleasedNegative
)

// Normalize maps a raw axis value into the range of policy p.
//
// Pedal policies return pedal depression: released is 0, fully pressed is 1.
// The result is clamped, so raw values outside the calibrated range (including
// -32768) never escape [-1, 1] or [0, 1].
func Normalize(raw int32, p Policy) float64 {
	switch p {
	case PolicyReleasedPositive:
		return clamp01(inverseLerp(rawFullScale, -rawFullScale, float64(raw)))
	case PolicyReleasedNegative:
		return clamp01(inverseLerp(-rawFullScale, rawFullScale, float64(raw)))
	default:
		return clamp(float64(raw)/rawFullScale, -1, 1)
	}
}

func inverseLerp(a, b, v float64) float64 {
	if a == b {
		return 0
	}
	return (v - a) / (b - a)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

// AxisMapping assigns physical axes to logical controls.
type AxisMapping struct {
	// Axes is keyed by physical axis; each control may appear at most once.
	// Steering, throttle and brake are required. Without a clutch axis the
	// clutch reads as fully pressed so shifts are never interlocked.
	Axes map[PhysicalAxis]Control

	// PedalReleasedPositive selects PolicyReleasedPositive for pedals
	// (the common case: Logitech wheels report +32767 for a released pedal).
	PedalReleasedPositive bool

	// InvertSteering flips the sign of the steering axis.
	InvertSteering bool
}

// DefaultAxisMapping matches a Logitech G-series wheel with separate pedals.
func DefaultAxisMapping() AxisMapping {
	return AxisMapping{
		Axes: map[PhysicalAxis]Control{
			AxisX:  ControlSteering,
			AxisZ:  ControlThrottle,
			AxisRz: ControlBrake,
			AxisY:  ControlClutch,
		},
		PedalReleasedPositive: true,
	}
}

func (m AxisMapping) validate() error {
	seen := make(map[Control]PhysicalAxis, len(m.Axes))
	for axis, ctrl := range m.Axes {
		if axis < 0 || axis >= numAxes {
			return &ConfigurationError{Field: "axes", Reason: fmt.Sprintf("unknown physical axis %d", int(axis))}
		}
		switch ctrl {
		case ControlSteering, ControlThrottle, ControlBrake, ControlClutch:
		default:
			return &ConfigurationError{Field: "axes." + axis.String(), Reason: fmt.Sprintf("unknown control %q", ctrl)}
		}
		if other, dup := seen[ctrl]; dup {
			return &ConfigurationError{Field: "axes." + axis.String(), Reason: fmt.Sprintf("control %q already mapped to axis %s", ctrl, other)}
		}
		seen[ctrl] = axis
	}
	for _, req := range []Control{ControlSteering, ControlThrottle, ControlBrake} {
		if _, ok := seen[req]; !ok {
			return &ConfigurationError{Field: "axes", Reason: fmt.Sprintf("no axis mapped to %q", req)}
		}
	}
	return nil
}

// NormalizedInputs are the calibrated driver inputs of one tick.
type NormalizedInputs struct {
	Steering  float64 `json:"steering"` // [-1, 1]
	Throttle  float64 `json:"throttle"` // [0, 1]
	Brake     float64 `json:"brake"`    // [0, 1]
	Clutch    float64 `json:"clutch"`   // [0, 1], 1 = pedal fully pressed
	Handbrake bool    `json:"handbrake"`
}

// Normalizer resolves a snapshot into NormalizedInputs using a fixed mapping.
type Normalizer struct {
	byControl map[Control]PhysicalAxis
	pedal     Policy
	invert    bool
	handbrake int
}

func newNormalizer(m AxisMapping, handbrakeButton int) Normalizer {
	n := Normalizer{
		byControl: make(map[Control]PhysicalAxis, len(m.Axes)),
		pedal:     PolicyReleasedNegative,
		invert:    m.InvertSteering,
		handbrake: handbrakeButton,
	}
	if m.PedalReleasedPositive {
		n.pedal = PolicyReleasedPositive
	}
	for axis, ctrl := range m.Axes {
		n.byControl[ctrl] = axis
	}
	return n
}

// Normalize maps every logical control of s.
func (n Normalizer) Normalize(s DeviceSnapshot) NormalizedInputs {
	var out NormalizedInputs
	if a, ok := n.byControl[ControlSteering]; ok {
		out.Steering = Normalize(int32(s.Axis(a)), PolicyBipolar)
		if n.invert {
			out.Steering = -out.Steering
		}
	}
	if a, ok := n.byControl[ControlThrottle]; ok {
		out.Throttle = Normalize(int32(s.Axis(a)), n.pedal)
	}
	if a, ok := n.byControl[ControlBrake]; ok {
		out.Brake = Normalize(int32(s.Axis(a)), n.pedal)
	}
	out.Clutch = 1
	if a, ok := n.byControl[ControlClutch]; ok {
		out.Clutch = Normalize(int32(s.Axis(a)), n.pedal)
	}
	out.Handbrake = s.Button(n.handbrake)
	return out
}
