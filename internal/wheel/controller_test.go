package wheel

import (
	"errors"
	"testing"
	"time"
)

// fakeDevice is a test double for Device.
type fakeDevice struct {
	snapshot DeviceSnapshot
	pollErr  error
	failAt   int // 1-based SendEffect call that fails; 0 = never
	calls    int
	sent     []EffectCommand
}

func (d *fakeDevice) Initialize() error { return nil }

func (d *fakeDevice) Poll() (DeviceSnapshot, error) {
	return d.snapshot, d.pollErr
}

func (d *fakeDevice) SendEffect(cmd EffectCommand) error {
	d.calls++
	if d.failAt > 0 && d.calls == d.failAt {
		return errors.New("write /dev/input/event5: no such device")
	}
	d.sent = append(d.sent, cmd)
	return nil
}

func (d *fakeDevice) Shutdown() error { return nil }

// pedals returns a snapshot with the default mapping: clutch and throttle
// given as depression in [0,1].
func pedals(clutch, throttle float64) DeviceSnapshot {
	raw := func(v float64) int16 { return int16(32767 - v*65534) }
	return DeviceSnapshot{}.
		WithAxis(AxisZ, raw(throttle)).
		WithAxis(AxisRz, raw(0)).
		WithAxis(AxisY, raw(clutch))
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(DefaultConfig())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

func TestNewController_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gear.ClutchThreshold = 1.5
	_, err := NewController(cfg)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if cfgErr.Field != "gear.clutch_threshold" {
		t.Fatalf("expected field gear.clutch_threshold, got %s", cfgErr.Field)
	}
}

func TestController_ShiftSequence(t *testing.T) {
	c := newTestController(t)
	now := t0
	step := func(s DeviceSnapshot) TickResult {
		now = now.Add(20 * time.Millisecond)
		return c.Tick(TickInput{Now: now, Connected: true, Snapshot: s})
	}

	step(pedals(0, 0))

	r := step(pedals(1, 0).WithButton(12, true))
	if r.Outcome.Kind != OutcomeAdmitted || r.Gear.EngagedGear != 1 {
		t.Fatalf("expected first gear admitted, got %s gear=%d", r.Outcome, r.Gear.EngagedGear)
	}

	// Lever resting in first with the clutch out is not a request.
	r = step(pedals(0, 0.5).WithButton(12, true))
	if r.Outcome.Kind != OutcomeNoRequest || r.Warning.Active {
		t.Fatalf("expected driving in gear to be quiet, got %s warning=%+v", r.Outcome, r.Warning)
	}

	r = step(pedals(1, 0).WithButton(14, true))
	if r.Outcome.Reason != ReasonAbruptJump {
		t.Fatalf("expected AbruptJump, got %s", r.Outcome)
	}
	if r.WarningChange != WarningStarted {
		t.Fatalf("expected warning to start, got %s", r.WarningChange)
	}

	r = step(pedals(1, 0).WithButton(13, true))
	if r.Outcome.Kind != OutcomeAdmitted || r.Outcome.Gear != 2 {
		t.Fatalf("expected second gear admitted, got %s", r.Outcome)
	}
	if r.WarningChange != WarningStopped {
		t.Fatalf("expected the new gate press to clear the warning, got %s", r.WarningChange)
	}
}

func TestController_ReverseAfterForwardGear(t *testing.T) {
	c := newTestController(t)
	now := t0
	step := func(s DeviceSnapshot) TickResult {
		now = now.Add(20 * time.Millisecond)
		return c.Tick(TickInput{Now: now, Connected: true, Snapshot: s})
	}

	step(pedals(0, 0))
	if r := step(pedals(1, 0).WithButton(12, true)); r.Gear.EngagedGear != 1 {
		t.Fatalf("expected first gear, got %d", r.Gear.EngagedGear)
	}
	step(pedals(1, 0))

	// Paddle down twice: 1 -> N -> R.
	r := step(pedals(1, 0).WithButton(4, true))
	if r.Outcome.Kind != OutcomeAdmitted || r.Gear.EngagedGear != 0 {
		t.Fatalf("expected neutral from paddle down, got %s", r.Outcome)
	}
	step(pedals(1, 0))
	r = step(pedals(1, 0).WithButton(4, true))
	if r.Outcome.Kind != OutcomeAdmitted || r.Gear.EngagedGear != -1 {
		t.Fatalf("expected reverse from neutral, got %s", r.Outcome)
	}

	// The reverse gate (17) now matches the engaged gear.
	r = step(pedals(1, 0).WithButton(17, true))
	if r.Outcome.Kind != OutcomeNoRequest || r.Gear.EngagedGear != -1 {
		t.Fatalf("expected reverse gate to be a no-op in reverse, got %s", r.Outcome)
	}
}

func TestController_StallAndWarning(t *testing.T) {
	c := newTestController(t)
	c.Tick(TickInput{Now: t0, Connected: true, Snapshot: pedals(0, 0)})

	r := c.Tick(TickInput{Now: t0.Add(20 * time.Millisecond), Connected: true, Snapshot: pedals(0, 0).WithButton(12, true)})
	if !r.Stalled {
		t.Fatalf("expected stall")
	}
	if r.Gear.EngagedGear != 0 {
		t.Fatalf("expected neutral after stall, got %d", r.Gear.EngagedGear)
	}
	if r.Warning.Reason != WarningStall {
		t.Fatalf("expected stall warning, got %+v", r.Warning)
	}

	// Lever released, nothing else: warning persists.
	r = c.Tick(TickInput{Now: t0.Add(40 * time.Millisecond), Connected: true, Snapshot: pedals(0, 0)})
	if !r.Warning.Active {
		t.Fatalf("expected warning to persist")
	}
	r = c.Tick(TickInput{Now: t0.Add(60 * time.Millisecond), Connected: true, Snapshot: pedals(0.6, 0)})
	if r.Warning.Active || r.WarningChange != WarningStopped {
		t.Fatalf("expected clutch press to clear the warning, got %+v %s", r.Warning, r.WarningChange)
	}
}

func TestController_DisconnectedTick(t *testing.T) {
	c := newTestController(t)
	c.Tick(TickInput{Now: t0, Connected: true, Snapshot: pedals(1, 0)})
	c.Tick(TickInput{Now: t0.Add(20 * time.Millisecond), Connected: true, Snapshot: pedals(1, 0).WithButton(12, true), Telemetry: Telemetry{VerticalG: 5}})

	r := c.Tick(TickInput{Now: t0.Add(40 * time.Millisecond), Connected: false, Telemetry: Telemetry{VerticalG: 5}})
	if r.DeviceAvailable || len(r.Effects) != 0 {
		t.Fatalf("expected no effects while disconnected, got %v", r.Effects)
	}
	if r.Inputs != (NormalizedInputs{}) {
		t.Fatalf("expected neutral inputs, got %+v", r.Inputs)
	}
	if r.Gear.EngagedGear != 1 {
		t.Fatalf("expected gear to survive disconnect, got %d", r.Gear.EngagedGear)
	}
	if _, ok := c.NextDeadline(); ok {
		t.Fatalf("expected no deadline while unavailable")
	}
	if cmds := c.Expire(t0.Add(time.Second)); cmds != nil {
		t.Fatalf("expected no stops while unavailable, got %v", cmds)
	}

	// Recovery: the pending stop fires on the first good tick, and the
	// still-held gate is not mistaken for a new press.
	r = c.Tick(TickInput{Now: t0.Add(time.Second), Connected: true, Snapshot: pedals(1, 0).WithButton(12, true)})
	if countCmd(r.Effects, StopEffect(KindConstant)) != 1 {
		t.Fatalf("expected the pending constant-force stop after recovery, got %v", r.Effects)
	}
	if r.Edges[12] != Held {
		t.Fatalf("expected button 12 Held after recovery, got %s", r.Edges[12])
	}
}

func TestController_DeliverFailure(t *testing.T) {
	c := newTestController(t)
	c.Tick(TickInput{Now: t0, Connected: true, Snapshot: pedals(0, 0)})

	dev := &fakeDevice{failAt: 2}
	cmds := []EffectCommand{SpringForce(100, 6), StopEffect(KindConstant), DamperForce(0)}
	sent, err := c.Deliver(dev, cmds, t0)
	if sent != 1 {
		t.Fatalf("expected 1 command sent, got %d", sent)
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if c.Available() {
		t.Fatalf("expected controller marked unavailable")
	}
	if dev.calls != 2 {
		t.Fatalf("expected the rest of the batch to be suppressed, got %d calls", dev.calls)
	}

	r := c.Tick(TickInput{Now: t0.Add(20 * time.Millisecond), Connected: true, Snapshot: pedals(0, 0)})
	if countCmd(r.Effects, StopEffect(KindConstant)) != 1 {
		t.Fatalf("expected the failed stop to be retried, got %v", r.Effects)
	}
}

func TestController_EngineToggle(t *testing.T) {
	c := newTestController(t)
	btn := c.Config().Buttons.EngineStart

	r := c.Tick(TickInput{Now: t0, Connected: true, Snapshot: pedals(0, 0)})
	if r.EngineToggle {
		t.Fatalf("expected no toggle on the first tick")
	}
	r = c.Tick(TickInput{Now: t0.Add(20 * time.Millisecond), Connected: true, Snapshot: pedals(0, 0).WithButton(btn, true)})
	if !r.EngineToggle {
		t.Fatalf("expected toggle on rising edge")
	}
	r = c.Tick(TickInput{Now: t0.Add(40 * time.Millisecond), Connected: true, Snapshot: pedals(0, 0).WithButton(btn, true)})
	if r.EngineToggle {
		t.Fatalf("expected no toggle while held")
	}
}

func TestController_ShutdownCommands(t *testing.T) {
	c := newTestController(t)
	c.Tick(TickInput{Now: t0, Connected: true, Snapshot: pedals(0, 0), Telemetry: Telemetry{VerticalG: 4}})

	cmds := c.ShutdownCommands()
	if countCmd(cmds, StopEffect(KindSurface)) != 1 || countCmd(cmds, StopEffect(KindConstant)) != 1 {
		t.Fatalf("expected surface and constant stops, got %v", cmds)
	}
	if _, ok := c.NextDeadline(); ok {
		t.Fatalf("expected pending stops drained")
	}
}
