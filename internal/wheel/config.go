package wheel

import "fmt"

// Config is the single construction-time configuration of a Controller.
type Config struct {
	Axes    AxisMapping
	Buttons ButtonConfig
	Gear    GearConfig
	Effects EffectTuning

	// ActivityEpsilon is the axis deflection that counts as driver activity
	// when deciding whether an active warning may clear.
	ActivityEpsilon float64
}

// DefaultConfig returns a configuration suitable for a Logitech G29 with the
// Driving Force shifter.
func DefaultConfig() Config {
	return Config{
		Axes:    DefaultAxisMapping(),
		Buttons: DefaultButtonConfig(),
		Gear: GearConfig{
			ClutchThreshold: 0.3,
			StallThrottle:   0.05,
			MaxJump:         1,
			TopGear:         6,
			ReverseGear:     -1,
		},
		Effects:         DefaultEffectTuning(),
		ActivityEpsilon: 0.01,
	}
}

// Validate fails fast on out-of-range settings. The returned error is always
// a *ConfigurationError.
func (c Config) Validate() error {
	if err := c.Axes.validate(); err != nil {
		return err
	}
	if err := c.Buttons.validate(); err != nil {
		return err
	}
	if err := c.Gear.validate(); err != nil {
		return err
	}
	if err := c.Effects.validate(); err != nil {
		return err
	}
	if c.ActivityEpsilon < 0 || c.ActivityEpsilon >= 1 {
		return &ConfigurationError{Field: "activity_epsilon", Reason: fmt.Sprintf("%v not in [0,1)", c.ActivityEpsilon)}
	}
	for _, gb := range c.Buttons.HPattern {
		if gb.Gear > c.Gear.TopGear || gb.Gear < c.Gear.ReverseGear {
			return &ConfigurationError{
				Field:  "buttons.h_pattern",
				Reason: fmt.Sprintf("gear %d outside [%d,%d]", gb.Gear, c.Gear.ReverseGear, c.Gear.TopGear),
			}
		}
	}
	return nil
}
