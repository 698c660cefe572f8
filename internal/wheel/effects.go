package wheel

import (
	"container/heap"
	"fmt"
	"math"
	"time"
)

// EffectKind identifies one force-feedback actuator slot on the device.
type EffectKind string

const (
	KindConstant EffectKind = "constant"
	KindSpring   EffectKind = "spring"
	KindDamper   EffectKind = "damper"
	KindSurface  EffectKind = "surface"
)

// EffectKinds lists every kind in a stable order.
var EffectKinds = []EffectKind{KindConstant, KindSpring, KindDamper, KindSurface}

// Waveform selects the periodic shape of a surface effect.
type Waveform string

const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveTriangle Waveform = "triangle"
	WaveSawUp    Waveform = "saw_up"
	WaveSawDown  Waveform = "saw_down"
)

func (w Waveform) valid() bool {
	switch w {
	case WaveSine, WaveSquare, WaveTriangle, WaveSawUp, WaveSawDown:
		return true
	}
	return false
}

// EffectCommand is one discrete actuator command. Kind selects the variant;
// Stop turns it into StopEffect(Kind) and all other fields are ignored.
//
//	ConstantForce:  Magnitude (0-100)
//	SpringForce:    Saturation, Coefficient (0-100)
//	DamperForce:    Coefficient (0-100)
//	SurfaceEffect:  Waveform, Magnitude (0-100), Frequency (Hz)
type EffectCommand struct {
	Kind        EffectKind `json:"kind"`
	Stop        bool       `json:"stop,omitempty"`
	Magnitude   int        `json:"magnitude,omitempty"`
	Saturation  int        `json:"saturation,omitempty"`
	Coefficient int        `json:"coefficient,omitempty"`
	Waveform    Waveform   `json:"waveform,omitempty"`
	Frequency   int        `json:"frequency,omitempty"`
}

func ConstantForce(magnitude int) EffectCommand {
	return EffectCommand{Kind: KindConstant, Magnitude: magnitude}
}

func SpringForce(saturation, coefficient int) EffectCommand {
	return EffectCommand{Kind: KindSpring, Saturation: saturation, Coefficient: coefficient}
}

func DamperForce(coefficient int) EffectCommand {
	return EffectCommand{Kind: KindDamper, Coefficient: coefficient}
}

func SurfaceEffect(w Waveform, magnitude, frequency int) EffectCommand {
	return EffectCommand{Kind: KindSurface, Waveform: w, Magnitude: magnitude, Frequency: frequency}
}

func StopEffect(kind EffectKind) EffectCommand {
	return EffectCommand{Kind: kind, Stop: true}
}

func (c EffectCommand) String() string {
	if c.Stop {
		return fmt.Sprintf("Stop(%s)", c.Kind)
	}
	switch c.Kind {
	case KindConstant:
		return fmt.Sprintf("ConstantForce(%d)", c.Magnitude)
	case KindSpring:
		return fmt.Sprintf("SpringForce(sat=%d, coef=%d)", c.Saturation, c.Coefficient)
	case KindDamper:
		return fmt.Sprintf("DamperForce(%d)", c.Coefficient)
	case KindSurface:
		return fmt.Sprintf("SurfaceEffect(%s, %d, %dHz)", c.Waveform, c.Magnitude, c.Frequency)
	}
	return string(c.Kind)
}

// EffectTuning holds the telemetry-to-force gains.
type EffectTuning struct {
	SpringBaseline   float64
	SpringGain       float64 // per km/h
	SpringSaturation int
	DamperGain       float64 // per km/h
	DamperCap        int

	SlipThreshold       float64
	SurfaceGain         float64
	SurfaceMinMagnitude int
	SurfaceFrequency    int
	SurfaceWaveform     Waveform

	ImpactThreshold float64 // |vertical g|
	ImpactGain      float64
	ImpactStop      time.Duration

	ImpactVelocityGain float64
	ImpactVelocityStop time.Duration
}

// DefaultEffectTuning returns the stock tuning for a Logitech G29.
func DefaultEffectTuning() EffectTuning {
	return EffectTuning{
		SpringBaseline:   6,
		SpringGain:       0.6,
		SpringSaturation: 100,
		DamperGain:       0.4,
		DamperCap:        80,

		SlipThreshold:       0.8,
		SurfaceGain:         25,
		SurfaceMinMagnitude: 20,
		SurfaceFrequency:    75,
		SurfaceWaveform:     WaveSine,

		ImpactThreshold: 3.0,
		ImpactGain:      30,
		ImpactStop:      50 * time.Millisecond,

		ImpactVelocityGain: 20,
		ImpactVelocityStop: 40 * time.Millisecond,
	}
}

func (t EffectTuning) validate() error {
	pct := func(field string, v int) error {
		if v < 0 || v > 100 {
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("%d not in [0,100]", v)}
		}
		return nil
	}
	nonNeg := func(field string, v float64) error {
		if v < 0 || math.IsNaN(v) {
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("%v must be >= 0", v)}
		}
		return nil
	}
	for _, err := range []error{
		pct("effects.spring_saturation", t.SpringSaturation),
		pct("effects.damper_cap", t.DamperCap),
		pct("effects.surface_min_magnitude", t.SurfaceMinMagnitude),
		nonNeg("effects.spring_gain", t.SpringGain),
		nonNeg("effects.damper_gain", t.DamperGain),
		nonNeg("effects.slip_threshold", t.SlipThreshold),
		nonNeg("effects.surface_gain", t.SurfaceGain),
		nonNeg("effects.impact_threshold", t.ImpactThreshold),
		nonNeg("effects.impact_gain", t.ImpactGain),
		nonNeg("effects.impact_velocity_gain", t.ImpactVelocityGain),
	} {
		if err != nil {
			return err
		}
	}
	if t.SurfaceFrequency <= 0 {
		return &ConfigurationError{Field: "effects.surface_frequency", Reason: "must be > 0"}
	}
	if !t.SurfaceWaveform.valid() {
		return &ConfigurationError{Field: "effects.surface_waveform", Reason: fmt.Sprintf("unknown waveform %q", t.SurfaceWaveform)}
	}
	if t.ImpactStop <= 0 {
		return &ConfigurationError{Field: "effects.impact_stop", Reason: "must be > 0"}
	}
	if t.ImpactVelocityStop <= 0 {
		return &ConfigurationError{Field: "effects.impact_velocity_stop", Reason: "must be > 0"}
	}
	return nil
}

// ============================================================================
// Pending stops
// ============================================================================

type pendingStop struct {
	kind   EffectKind
	fireAt time.Time
	index  int
}

// stopQueue is a min-heap on fireAt.
type stopQueue []*pendingStop

func (q stopQueue) Len() int           { return len(q) }
func (q stopQueue) Less(i, j int) bool { return q[i].fireAt.Before(q[j].fireAt) }
func (q stopQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *stopQueue) Push(x any) {
	p := x.(*pendingStop)
	p.index = len(*q)
	*q = append(*q, p)
}

func (q *stopQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*q = old[:n-1]
	return p
}

// StopTimers holds at most one pending stop per effect kind, ordered by fire
// time. Arming a kind that is already pending moves the existing entry.
type StopTimers struct {
	queue  stopQueue
	byKind map[EffectKind]*pendingStop
}

func NewStopTimers() *StopTimers {
	return &StopTimers{byKind: make(map[EffectKind]*pendingStop)}
}

// Arm schedules StopEffect(kind) at fireAt, replacing any pending stop for kind.
func (t *StopTimers) Arm(kind EffectKind, fireAt time.Time) {
	if p, ok := t.byKind[kind]; ok {
		p.fireAt = fireAt
		heap.Fix(&t.queue, p.index)
		return
	}
	p := &pendingStop{kind: kind, fireAt: fireAt}
	heap.Push(&t.queue, p)
	t.byKind[kind] = p
}

// Cancel drops the pending stop for kind, if any.
func (t *StopTimers) Cancel(kind EffectKind) {
	p, ok := t.byKind[kind]
	if !ok {
		return
	}
	heap.Remove(&t.queue, p.index)
	delete(t.byKind, kind)
}

// Pending reports whether a stop for kind is armed, and when it fires.
func (t *StopTimers) Pending(kind EffectKind) (time.Time, bool) {
	p, ok := t.byKind[kind]
	if !ok {
		return time.Time{}, false
	}
	return p.fireAt, true
}

// Len is the number of pending stops.
func (t *StopTimers) Len() int { return len(t.queue) }

// Next returns the earliest fire time.
func (t *StopTimers) Next() (time.Time, bool) {
	if len(t.queue) == 0 {
		return time.Time{}, false
	}
	return t.queue[0].fireAt, true
}

// PopDue removes and returns every kind whose fire time is not after now,
// in fire-time order. Each pending entry fires exactly once.
func (t *StopTimers) PopDue(now time.Time) []EffectKind {
	var due []EffectKind
	for len(t.queue) > 0 && !t.queue[0].fireAt.After(now) {
		p := heap.Pop(&t.queue).(*pendingStop)
		delete(t.byKind, p.kind)
		due = append(due, p.kind)
	}
	return due
}

// ============================================================================
// Effect Scheduler
// ============================================================================

// EffectScheduler turns telemetry into effect commands every tick and owns the
// self-expiring pulse timers.
type EffectScheduler struct {
	tuning EffectTuning
	stops  *StopTimers
}

func NewEffectScheduler(t EffectTuning) *EffectScheduler {
	return &EffectScheduler{tuning: t, stops: NewStopTimers()}
}

// Evaluate computes this tick's commands. Triggers are processed before due
// stops, so a pulse re-armed this tick replaces its old stop instead of being
// cut short by it.
func (s *EffectScheduler) Evaluate(tel Telemetry, impacts []float64, now time.Time) []EffectCommand {
	t := s.tuning
	speed := math.Abs(tel.SpeedKph)

	cmds := make([]EffectCommand, 0, 5)
	cmds = append(cmds,
		SpringForce(t.SpringSaturation, clampScaled(t.SpringBaseline+speed*t.SpringGain, 0, 100)),
		DamperForce(clampScaled(speed*t.DamperGain, 0, t.DamperCap)),
	)

	slip := math.Abs(tel.LateralG) + math.Abs(tel.LongitudinalG)
	if slip > t.SlipThreshold {
		mag := clampScaled(slip*t.SurfaceGain, t.SurfaceMinMagnitude, 100)
		cmds = append(cmds, SurfaceEffect(t.SurfaceWaveform, mag, t.SurfaceFrequency))
	} else {
		// The actuator keeps playing until told otherwise.
		cmds = append(cmds, StopEffect(KindSurface))
	}

	if mag, hold, ok := s.impulse(tel, impacts); ok {
		cmds = append(cmds, ConstantForce(mag))
		s.stops.Arm(KindConstant, now.Add(hold))
	}

	for _, kind := range s.stops.PopDue(now) {
		cmds = append(cmds, StopEffect(kind))
	}
	return cmds
}

// impulse picks the strongest constant-force trigger of the tick.
func (s *EffectScheduler) impulse(tel Telemetry, impacts []float64) (mag int, hold time.Duration, ok bool) {
	t := s.tuning
	mag = -1
	if v := math.Abs(tel.VerticalG); v > t.ImpactThreshold {
		mag = clampScaled(v*t.ImpactGain, 0, 100)
		hold = t.ImpactStop
	}
	for _, v := range impacts {
		m := clampScaled(math.Abs(v)*t.ImpactVelocityGain, 0, 100)
		if m > mag {
			mag, hold = m, t.ImpactVelocityStop
		}
	}
	return mag, hold, mag >= 0
}

// Expire returns the stops that came due between ticks.
func (s *EffectScheduler) Expire(now time.Time) []EffectCommand {
	due := s.stops.PopDue(now)
	if len(due) == 0 {
		return nil
	}
	cmds := make([]EffectCommand, len(due))
	for i, kind := range due {
		cmds[i] = StopEffect(kind)
	}
	return cmds
}

// NextDeadline is the earliest pending stop.
func (s *EffectScheduler) NextDeadline() (time.Time, bool) { return s.stops.Next() }

// Retry re-arms a stop that could not be delivered so it fires again at now.
func (s *EffectScheduler) Retry(kind EffectKind, now time.Time) { s.stops.Arm(kind, now) }

// Drain cancels every pending stop and returns the kinds that were pending.
func (s *EffectScheduler) Drain() []EffectKind {
	var kinds []EffectKind
	for _, k := range EffectKinds {
		if _, ok := s.stops.Pending(k); ok {
			s.stops.Cancel(k)
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// clampScaled saturates v into [lo, hi] before truncating to int, so huge
// telemetry values cannot overflow the conversion. NaN maps to lo.
func clampScaled(v float64, lo, hi int) int {
	if math.IsNaN(v) {
		return lo
	}
	return int(clamp(v, float64(lo), float64(hi)))
}
