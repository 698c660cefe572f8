package wheel

import (
	"errors"
	"time"
)

// TickResult is everything one tick decided.
type TickResult struct {
	Now             time.Time
	DeviceAvailable bool

	Inputs  NormalizedInputs
	Edges   Edges
	Outcome ShiftOutcome
	Stalled bool
	Gear    GearState

	Effects []EffectCommand

	Warning       WarningState
	WarningChange WarningTransition

	// EngineToggle is set on the rising edge of the engine-start button.
	EngineToggle bool
}

// Controller is one control-loop instance. It owns the button history, gear
// state, warning state and pending stop timers, and is not safe for use from
// more than one goroutine.
type Controller struct {
	cfg Config

	edges    EdgeDetector
	norm     Normalizer
	requests requestResolver
	gear     *GearMachine
	warning  WarningCoordinator
	effects  *EffectScheduler

	available bool
}

// NewController validates cfg and returns a controller in neutral.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		norm:     newNormalizer(cfg.Axes, cfg.Buttons.Handbrake),
		requests: newRequestResolver(cfg.Buttons, cfg.Gear),
		gear:     NewGearMachine(cfg.Gear),
		warning:  newWarningCoordinator(cfg.ActivityEpsilon, cfg.Gear.ClutchThreshold),
		effects:  NewEffectScheduler(cfg.Effects),
	}, nil
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() Config { return c.cfg }

// Tick runs one sample -> classify -> decide -> schedule pass.
//
// A disconnected tick yields neutral inputs and no effects; button history,
// gear state and pending stops are left untouched until the next good sample.
func (c *Controller) Tick(in TickInput) TickResult {
	if !in.Connected {
		c.available = false
		return TickResult{
			Now:     in.Now,
			Outcome: ShiftOutcome{Kind: OutcomeNoRequest},
			Gear:    c.gear.State(),
			Warning: c.warning.State(),
		}
	}
	c.available = true

	edges := c.edges.Step(in.Snapshot)
	inputs := c.norm.Normalize(in.Snapshot)

	req := c.requests.Resolve(in.Snapshot, &edges, c.gear.State().EngagedGear)
	out, stalled := c.gear.Step(req, inputs.Clutch, inputs.Throttle)
	change := c.warning.Step(out, stalled, inputs, &edges)

	return TickResult{
		Now:             in.Now,
		DeviceAvailable: true,
		Inputs:          inputs,
		Edges:           edges,
		Outcome:         out,
		Stalled:         stalled,
		Gear:            c.gear.State(),
		Effects:         c.effects.Evaluate(in.Telemetry, in.ImpactVelocities, in.Now),
		Warning:         c.warning.State(),
		WarningChange:   change,
		EngineToggle:    c.cfg.Buttons.EngineStart >= 0 && edges.At(c.cfg.Buttons.EngineStart) == Pressed,
	}
}

// Available reports whether the last sample succeeded and no send has failed since.
func (c *Controller) Available() bool { return c.available }

// MarkUnavailable suppresses effect emission until the next connected tick.
func (c *Controller) MarkUnavailable() { c.available = false }

// Gear returns the current gear state.
func (c *Controller) Gear() GearState { return c.gear.State() }

// Warning returns the current warning state.
func (c *Controller) Warning() WarningState { return c.warning.State() }

// NextDeadline is the earliest pending stop while the device is available.
// The host arms a timer for it so stops fire between ticks.
func (c *Controller) NextDeadline() (time.Time, bool) {
	if !c.available {
		return time.Time{}, false
	}
	return c.effects.NextDeadline()
}

// Expire returns the stops due at now. Nothing is emitted while unavailable;
// the stops stay pending and fire on the first tick after recovery.
func (c *Controller) Expire(now time.Time) []EffectCommand {
	if !c.available {
		return nil
	}
	return c.effects.Expire(now)
}

// Deliver sends cmds in order. The first failure marks the device unavailable
// and drops the rest of the batch; undelivered stops of pulsed effects are
// re-armed at now so the force is never left on.
func (c *Controller) Deliver(dev Device, cmds []EffectCommand, now time.Time) (sent int, err error) {
	for i, cmd := range cmds {
		if err = dev.SendEffect(cmd); err != nil {
			c.MarkUnavailable()
			for _, rest := range cmds[i:] {
				if rest.Stop && rest.Kind == KindConstant {
					c.effects.Retry(rest.Kind, now)
				}
			}
			if !errors.Is(err, ErrDeviceUnavailable) {
				err = &DeviceError{Op: "send", Err: err}
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// ShutdownCommands cancels pending stops and returns the commands that leave
// the wheel with no force playing.
func (c *Controller) ShutdownCommands() []EffectCommand {
	c.effects.Drain()
	return []EffectCommand{
		StopEffect(KindSurface),
		StopEffect(KindConstant),
		StopEffect(KindSpring),
		StopEffect(KindDamper),
	}
}
