package wheel

import (
	"errors"
	"math"
	"testing"
)

func TestNormalize_StaysInRange(t *testing.T) {
	raws := []int32{math.MinInt16, -32767, -16384, -1, 0, 1, 16384, 32767, math.MaxInt16, 40000, -40000}
	for _, raw := range raws {
		if v := Normalize(raw, PolicyBipolar); v < -1 || v > 1 {
			t.Fatalf("bipolar %d: expected [-1,1], got %v", raw, v)
		}
		for _, p := range []Policy{PolicyReleasedPositive, PolicyReleasedNegative} {
			v := Normalize(raw, p)
			if v < 0 || v > 1 {
				t.Fatalf("pedal policy %d raw %d: expected [0,1], got %v", p, raw, v)
			}
			if again := Normalize(raw, p); again != v {
				t.Fatalf("expected repeated normalization to be stable, got %v then %v", v, again)
			}
		}
	}
}

func TestNormalize_Endpoints(t *testing.T) {
	tests := []struct {
		raw  int32
		p    Policy
		want float64
	}{
		{32767, PolicyBipolar, 1},
		{-32767, PolicyBipolar, -1},
		{0, PolicyBipolar, 0},
		{32767, PolicyReleasedPositive, 0},
		{-32767, PolicyReleasedPositive, 1},
		{0, PolicyReleasedPositive, 0.5},
		{-32767, PolicyReleasedNegative, 0},
		{32767, PolicyReleasedNegative, 1},
		{-32768, PolicyReleasedPositive, 1},
	}
	for _, tt := range tests {
		got := Normalize(tt.raw, tt.p)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("Normalize(%d, %d): expected %v, got %v", tt.raw, tt.p, tt.want, got)
		}
	}
}

func TestNormalizer_UsesMapping(t *testing.T) {
	m := AxisMapping{
		Axes: map[PhysicalAxis]Control{
			AxisRx: ControlSteering,
			AxisY:  ControlThrottle,
			AxisZ:  ControlBrake,
		},
		PedalReleasedPositive: true,
		InvertSteering:        true,
	}
	n := newNormalizer(m, 2)

	s := DeviceSnapshot{}.
		WithAxis(AxisRx, 32767).
		WithAxis(AxisY, -32767).
		WithAxis(AxisZ, 32767).
		WithButton(2, true)

	in := n.Normalize(s)
	if in.Steering != -1 {
		t.Fatalf("expected inverted steering -1, got %v", in.Steering)
	}
	if in.Throttle != 1 {
		t.Fatalf("expected throttle fully pressed, got %v", in.Throttle)
	}
	if in.Brake != 0 {
		t.Fatalf("expected brake released, got %v", in.Brake)
	}
	if in.Clutch != 1 {
		t.Fatalf("expected unmapped clutch to read fully pressed, got %v", in.Clutch)
	}
	if !in.Handbrake {
		t.Fatalf("expected handbrake on")
	}
}

func TestAxisMapping_Validate(t *testing.T) {
	if err := DefaultAxisMapping().validate(); err != nil {
		t.Fatalf("expected default mapping to be valid, got %v", err)
	}

	dup := DefaultAxisMapping()
	dup.Axes[AxisRx] = ControlThrottle
	var cfgErr *ConfigurationError
	if err := dup.validate(); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for duplicate control, got %v", err)
	}

	missing := AxisMapping{Axes: map[PhysicalAxis]Control{AxisX: ControlSteering}}
	if err := missing.validate(); err == nil {
		t.Fatalf("expected error for missing pedals")
	}

	bad := AxisMapping{Axes: map[PhysicalAxis]Control{AxisX: "horn"}}
	if err := bad.validate(); err == nil {
		t.Fatalf("expected error for unknown control")
	}
}

func TestParsePhysicalAxis(t *testing.T) {
	for i := PhysicalAxis(0); i < numAxes; i++ {
		got, ok := ParsePhysicalAxis(i.String())
		if !ok || got != i {
			t.Fatalf("expected %s to parse back to %d, got %d (%v)", i, i, got, ok)
		}
	}
	if _, ok := ParsePhysicalAxis("wheel"); ok {
		t.Fatalf("expected unknown axis name to fail")
	}
}
