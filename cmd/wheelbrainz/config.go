package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"wheelbrainz/internal/wheel"
)

// Config is the top-level YAML configuration for the wheelbrainz daemon.
//
// Defaults and validation live here so the rest of the daemon can assume a
// well-formed config. The control-loop part is converted to wheel.Config by
// ToWheelConfig and validated again by the wheel package.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Loop    LoopConfig    `yaml:"loop"`
	Axes    AxesConfig    `yaml:"axes"`
	Buttons ButtonsConfig `yaml:"buttons"`
	Gear    GearConfig    `yaml:"gear"`
	Effects EffectsConfig `yaml:"effects"`
	Warning WarningConfig `yaml:"warning"`

	IPC     IPCConfig     `yaml:"ipc"`
	HTTP    HTTPConfig    `yaml:"http"`
	Journal JournalConfig `yaml:"journal"`
	Logging LoggingConfig `yaml:"logging"`
}

type DeviceConfig struct {
	Path             string `yaml:"path"`
	ReopenIntervalMS int    `yaml:"reopen_interval_ms"`
	Gain             int    `yaml:"gain"` // global FF gain, 0-100
}

type LoopConfig struct {
	PollHz int `yaml:"poll_hz"`
	TickHz int `yaml:"tick_hz"`
}

// AxesConfig maps physical axis names ("x", "rz", ...) to logical controls.
// An empty map selects the stock mapping (x steering, z throttle, rz brake,
// y clutch). A non-empty map replaces it entirely.
type AxesConfig struct {
	Map                   map[string]string `yaml:"map"`
	PedalReleasedPositive bool              `yaml:"pedal_released_positive"`
	InvertSteering        bool              `yaml:"invert_steering"`
}

type GearButtonConfig struct {
	Button int `yaml:"button"`
	Gear   int `yaml:"gear"`
}

type ButtonsConfig struct {
	Handbrake   int                `yaml:"handbrake"`
	PaddleUp    int                `yaml:"paddle_up"`
	PaddleDown  int                `yaml:"paddle_down"`
	EngineStart int                `yaml:"engine_start"`
	Neutral     int                `yaml:"neutral"`
	HPattern    []GearButtonConfig `yaml:"h_pattern"`
}

type GearConfig struct {
	ClutchThreshold float64 `yaml:"clutch_threshold"`
	StallThrottle   float64 `yaml:"stall_throttle"`
	MaxJump         int     `yaml:"max_jump"`
	TopGear         int     `yaml:"top_gear"`
	ReverseGear     int     `yaml:"reverse_gear"`
}

type EffectsConfig struct {
	SpringBaseline   float64 `yaml:"spring_baseline"`
	SpringGain       float64 `yaml:"spring_gain"`
	SpringSaturation int     `yaml:"spring_saturation"`
	DamperGain       float64 `yaml:"damper_gain"`
	DamperCap        int     `yaml:"damper_cap"`

	SlipThreshold       float64 `yaml:"slip_threshold"`
	SurfaceGain         float64 `yaml:"surface_gain"`
	SurfaceMinMagnitude int     `yaml:"surface_min_magnitude"`
	SurfaceFrequencyHz  int     `yaml:"surface_frequency_hz"`
	SurfaceWaveform     string  `yaml:"surface_waveform"`

	ImpactThresholdG float64 `yaml:"impact_threshold_g"`
	ImpactGain       float64 `yaml:"impact_gain"`
	ImpactStopMS     int     `yaml:"impact_stop_ms"`

	ImpactVelocityGain   float64 `yaml:"impact_velocity_gain"`
	ImpactVelocityStopMS int     `yaml:"impact_velocity_stop_ms"`
}

type WarningConfig struct {
	ActivityEpsilon float64 `yaml:"activity_epsilon"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Queue   int    `yaml:"queue"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with wheel.DefaultConfig.
func DefaultConfig() Config {
	w := wheel.DefaultConfig()

	hp := make([]GearButtonConfig, len(w.Buttons.HPattern))
	for i, gb := range w.Buttons.HPattern {
		hp[i] = GearButtonConfig{Button: gb.Button, Gear: gb.Gear}
	}

	return Config{
		Device: DeviceConfig{
			Path:             defaultDevicePath,
			ReopenIntervalMS: int(defaultReopenInterval / time.Millisecond),
			Gain:             100,
		},
		Loop: LoopConfig{
			PollHz: defaultPollHz,
			TickHz: defaultTickHz,
		},
		Axes: AxesConfig{
			PedalReleasedPositive: w.Axes.PedalReleasedPositive,
			InvertSteering:        w.Axes.InvertSteering,
		},
		Buttons: ButtonsConfig{
			Handbrake:   w.Buttons.Handbrake,
			PaddleUp:    w.Buttons.PaddleUp,
			PaddleDown:  w.Buttons.PaddleDown,
			EngineStart: w.Buttons.EngineStart,
			Neutral:     w.Buttons.Neutral,
			HPattern:    hp,
		},
		Gear: GearConfig{
			ClutchThreshold: w.Gear.ClutchThreshold,
			StallThrottle:   w.Gear.StallThrottle,
			MaxJump:         w.Gear.MaxJump,
			TopGear:         w.Gear.TopGear,
			ReverseGear:     w.Gear.ReverseGear,
		},
		Effects: EffectsConfig{
			SpringBaseline:       w.Effects.SpringBaseline,
			SpringGain:           w.Effects.SpringGain,
			SpringSaturation:     w.Effects.SpringSaturation,
			DamperGain:           w.Effects.DamperGain,
			DamperCap:            w.Effects.DamperCap,
			SlipThreshold:        w.Effects.SlipThreshold,
			SurfaceGain:          w.Effects.SurfaceGain,
			SurfaceMinMagnitude:  w.Effects.SurfaceMinMagnitude,
			SurfaceFrequencyHz:   w.Effects.SurfaceFrequency,
			SurfaceWaveform:      string(w.Effects.SurfaceWaveform),
			ImpactThresholdG:     w.Effects.ImpactThreshold,
			ImpactGain:           w.Effects.ImpactGain,
			ImpactStopMS:         int(w.Effects.ImpactStop / time.Millisecond),
			ImpactVelocityGain:   w.Effects.ImpactVelocityGain,
			ImpactVelocityStopMS: int(w.Effects.ImpactVelocityStop / time.Millisecond),
		},
		Warning: WarningConfig{
			ActivityEpsilon: w.ActivityEpsilon,
		},
		IPC: IPCConfig{
			SocketPath: defaultIPCSocket,
		},
		HTTP: HTTPConfig{
			Port: defaultHTTPPort,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    defaultJournalPath,
			Queue:   defaultJournalQueue,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds command-line overrides. Each non-nil pointer is applied
// on top of the loaded config, even when it points at a zero value.
type FlagOverrides struct {
	DevicePath *string

	PollHz *int
	TickHz *int

	ClutchThreshold *float64
	StallThrottle   *float64
	MaxJump         *int

	IPCSocketPath *string
	HTTPPort      *int

	JournalEnabled *bool
	JournalPath    *string

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.DevicePath != nil {
		cfg.Device.Path = *o.DevicePath
	}
	if o.PollHz != nil {
		cfg.Loop.PollHz = *o.PollHz
	}
	if o.TickHz != nil {
		cfg.Loop.TickHz = *o.TickHz
	}
	if o.ClutchThreshold != nil {
		cfg.Gear.ClutchThreshold = *o.ClutchThreshold
	}
	if o.StallThrottle != nil {
		cfg.Gear.StallThrottle = *o.StallThrottle
	}
	if o.MaxJump != nil {
		cfg.Gear.MaxJump = *o.MaxJump
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.JournalEnabled != nil {
		cfg.Journal.Enabled = *o.JournalEnabled
	}
	if o.JournalPath != nil {
		cfg.Journal.Path = *o.JournalPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks daemon-level settings, then the control-loop config.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	if c.Device.Path == "" {
		return errors.New("device.path must not be empty")
	}
	if c.Device.ReopenIntervalMS <= 0 {
		return errors.New("device.reopen_interval_ms must be > 0")
	}
	if c.Device.Gain < 0 || c.Device.Gain > 100 {
		return errors.New("device.gain must be between 0 and 100")
	}

	if c.Loop.TickHz <= 0 || c.Loop.TickHz > 1000 {
		return errors.New("loop.tick_hz must be between 1 and 1000")
	}
	if c.Loop.PollHz < c.Loop.TickHz || c.Loop.PollHz > 2000 {
		return errors.New("loop.poll_hz must be between loop.tick_hz and 2000")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535 (0 disables)")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return errors.New("journal.enabled is true but journal.path is empty")
	}
	if c.Journal.Queue < 0 {
		return errors.New("journal.queue must be >= 0")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be %q or %q", "text", "json")
	}

	wc, err := c.ToWheelConfig()
	if err != nil {
		return err
	}
	return wc.Validate()
}

// ToWheelConfig converts the file representation into the control-loop config.
// It fails only on names it cannot resolve (unknown axis names).
func (c *Config) ToWheelConfig() (wheel.Config, error) {
	if len(c.Axes.Map) == 0 {
		m := wheel.DefaultAxisMapping()
		m.PedalReleasedPositive = c.Axes.PedalReleasedPositive
		m.InvertSteering = c.Axes.InvertSteering
		return c.toWheelConfig(m), nil
	}

	axes := make(map[wheel.PhysicalAxis]wheel.Control, len(c.Axes.Map))

	// Sorted for a deterministic error on multiple bad names.
	names := make([]string, 0, len(c.Axes.Map))
	for name := range c.Axes.Map {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a, ok := wheel.ParsePhysicalAxis(name)
		if !ok {
			return wheel.Config{}, &wheel.ConfigurationError{Field: "axes.map." + name, Reason: "unknown physical axis"}
		}
		axes[a] = wheel.Control(c.Axes.Map[name])
	}

	return c.toWheelConfig(wheel.AxisMapping{
		Axes:                  axes,
		PedalReleasedPositive: c.Axes.PedalReleasedPositive,
		InvertSteering:        c.Axes.InvertSteering,
	}), nil
}

func (c *Config) toWheelConfig(axes wheel.AxisMapping) wheel.Config {
	hp := make([]wheel.GearButton, len(c.Buttons.HPattern))
	for i, gb := range c.Buttons.HPattern {
		hp[i] = wheel.GearButton{Button: gb.Button, Gear: gb.Gear}
	}

	return wheel.Config{
		Axes: axes,
		Buttons: wheel.ButtonConfig{
			Handbrake:   c.Buttons.Handbrake,
			PaddleUp:    c.Buttons.PaddleUp,
			PaddleDown:  c.Buttons.PaddleDown,
			EngineStart: c.Buttons.EngineStart,
			Neutral:     c.Buttons.Neutral,
			HPattern:    hp,
		},
		Gear: wheel.GearConfig{
			ClutchThreshold: c.Gear.ClutchThreshold,
			StallThrottle:   c.Gear.StallThrottle,
			MaxJump:         c.Gear.MaxJump,
			TopGear:         c.Gear.TopGear,
			ReverseGear:     c.Gear.ReverseGear,
		},
		Effects: wheel.EffectTuning{
			SpringBaseline:      c.Effects.SpringBaseline,
			SpringGain:          c.Effects.SpringGain,
			SpringSaturation:    c.Effects.SpringSaturation,
			DamperGain:          c.Effects.DamperGain,
			DamperCap:           c.Effects.DamperCap,
			SlipThreshold:       c.Effects.SlipThreshold,
			SurfaceGain:         c.Effects.SurfaceGain,
			SurfaceMinMagnitude: c.Effects.SurfaceMinMagnitude,
			SurfaceFrequency:    c.Effects.SurfaceFrequencyHz,
			SurfaceWaveform:     wheel.Waveform(c.Effects.SurfaceWaveform),
			ImpactThreshold:     c.Effects.ImpactThresholdG,
			ImpactGain:          c.Effects.ImpactGain,
			ImpactStop:          time.Duration(c.Effects.ImpactStopMS) * time.Millisecond,
			ImpactVelocityGain:  c.Effects.ImpactVelocityGain,
			ImpactVelocityStop:  time.Duration(c.Effects.ImpactVelocityStopMS) * time.Millisecond,
		},
		ActivityEpsilon: c.Warning.ActivityEpsilon,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
