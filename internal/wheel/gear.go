package wheel

import (
	"fmt"
	"math"
	"sort"
)

// ============================================================================
// Gear Admission State Machine
// ============================================================================
// The machine state collapses to one scalar, EngagedGear (0 = neutral,
// negative = reverse). Each tick a ShiftRequest is resolved from the buttons
// and either admitted or rejected against two policy rules:
//
//   - clutch interlock: clutch >= ClutchThreshold before any gear change
//   - one-step limit:   |requested - LastValidGear| <= MaxJump
//
// Neutral is exempt from the one-step limit and resets LastValidGear, so the
// next ratio (first or reverse) is measured from neutral.
//
// A request attempted with the clutch up while the throttle is closed is a
// stall: the gear is forced to neutral and the engine is stopped.
// ============================================================================

// GearState is owned by the GearMachine and read by the vehicle collaborator.
type GearState struct {
	EngagedGear   int  `json:"engaged_gear"`
	LastValidGear int  `json:"last_valid_gear"`
	ClutchEngaged bool `json:"clutch_engaged"`
}

// GearConfig holds the admission policy constants.
type GearConfig struct {
	ClutchThreshold float64 // default 0.3
	StallThrottle   float64 // default 0.05
	MaxJump         int     // default 1
	TopGear         int     // highest forward gear reachable with paddles
	ReverseGear     int     // lowest gear reachable with paddles (usually -1)
}

func (c GearConfig) validate() error {
	if c.ClutchThreshold < 0 || c.ClutchThreshold > 1 || math.IsNaN(c.ClutchThreshold) {
		return &ConfigurationError{Field: "gear.clutch_threshold", Reason: fmt.Sprintf("%v not in [0,1]", c.ClutchThreshold)}
	}
	if c.StallThrottle < 0 || c.StallThrottle > 1 || math.IsNaN(c.StallThrottle) {
		return &ConfigurationError{Field: "gear.stall_throttle", Reason: fmt.Sprintf("%v not in [0,1]", c.StallThrottle)}
	}
	if c.MaxJump < 1 {
		return &ConfigurationError{Field: "gear.max_jump", Reason: "must be >= 1"}
	}
	if c.TopGear < 1 {
		return &ConfigurationError{Field: "gear.top_gear", Reason: "must be >= 1"}
	}
	if c.ReverseGear > 0 {
		return &ConfigurationError{Field: "gear.reverse_gear", Reason: "must be <= 0"}
	}
	return nil
}

// ShiftSource tells where a ShiftRequest came from.
type ShiftSource string

const (
	SourceNone     ShiftSource = ""
	SourceHPattern ShiftSource = "h_pattern"
	SourceNeutral  ShiftSource = "neutral_button"
	SourcePaddle   ShiftSource = "paddle"
)

// ShiftRequest is derived purely from this tick's buttons.
type ShiftRequest struct {
	Gear    int
	Present bool
	Source  ShiftSource
}

// RejectReason says why a request was not admitted.
type RejectReason string

const (
	ReasonClutchNotEngaged RejectReason = "clutch_not_engaged"
	ReasonAbruptJump       RejectReason = "abrupt_jump"
)

// OutcomeKind tags a ShiftOutcome.
type OutcomeKind string

const (
	OutcomeNoRequest OutcomeKind = "no_request"
	OutcomeAdmitted  OutcomeKind = "admitted"
	OutcomeRejected  OutcomeKind = "rejected"
)

// ShiftOutcome is always well formed; rejection is a value, never an error.
//
//	Admitted: Gear is the newly engaged gear.
//	Rejected: From/To/Reason describe the refused change.
type ShiftOutcome struct {
	Kind   OutcomeKind  `json:"kind"`
	Gear   int          `json:"gear,omitempty"`
	From   int          `json:"from,omitempty"`
	To     int          `json:"to,omitempty"`
	Reason RejectReason `json:"reason,omitempty"`
}

func (o ShiftOutcome) String() string {
	switch o.Kind {
	case OutcomeAdmitted:
		return fmt.Sprintf("Admitted(%d)", o.Gear)
	case OutcomeRejected:
		return fmt.Sprintf("Rejected(%d->%d, %s)", o.From, o.To, o.Reason)
	default:
		return "NoRequest"
	}
}

func admitted(g int) ShiftOutcome { return ShiftOutcome{Kind: OutcomeAdmitted, Gear: g} }

func rejected(from, to int, r RejectReason) ShiftOutcome {
	return ShiftOutcome{Kind: OutcomeRejected, From: from, To: to, Reason: r}
}

// GearButton binds one H-pattern gate to its button index.
type GearButton struct {
	Button int
	Gear   int
}

// ButtonConfig holds every device-specific button index the loop reacts to.
// A negative index disables the binding.
type ButtonConfig struct {
	Handbrake   int
	PaddleUp    int
	PaddleDown  int
	EngineStart int
	Neutral     int
	HPattern    []GearButton
}

// DefaultButtonConfig matches a Logitech G29/G920 with the Driving Force shifter.
// Both rear-right gate buttons (17 and 18) select reverse.
func DefaultButtonConfig() ButtonConfig {
	return ButtonConfig{
		Handbrake:   1,
		PaddleUp:    5,
		PaddleDown:  4,
		EngineStart: 23,
		Neutral:     -1,
		HPattern: []GearButton{
			{Button: 12, Gear: 1},
			{Button: 13, Gear: 2},
			{Button: 14, Gear: 3},
			{Button: 15, Gear: 4},
			{Button: 16, Gear: 5},
			{Button: 17, Gear: -1},
			{Button: 18, Gear: -1},
		},
	}
}

func (c ButtonConfig) validate() error {
	check := func(field string, idx int) error {
		if idx >= MaxButtons {
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("button %d out of range [0,%d)", idx, MaxButtons)}
		}
		return nil
	}
	for field, idx := range map[string]int{
		"buttons.handbrake":    c.Handbrake,
		"buttons.paddle_up":    c.PaddleUp,
		"buttons.paddle_down":  c.PaddleDown,
		"buttons.engine_start": c.EngineStart,
		"buttons.neutral":      c.Neutral,
	} {
		if err := check(field, idx); err != nil {
			return err
		}
	}
	seen := make(map[int]bool, len(c.HPattern))
	for i, gb := range c.HPattern {
		field := fmt.Sprintf("buttons.h_pattern[%d]", i)
		if gb.Button < 0 {
			return &ConfigurationError{Field: field, Reason: "button index must be >= 0"}
		}
		if err := check(field, gb.Button); err != nil {
			return err
		}
		if gb.Gear == 0 {
			return &ConfigurationError{Field: field, Reason: "gear 0 is neutral; use buttons.neutral"}
		}
		if seen[gb.Button] {
			return &ConfigurationError{Field: field, Reason: fmt.Sprintf("button %d bound twice", gb.Button)}
		}
		seen[gb.Button] = true
	}
	return nil
}

// requestResolver turns held buttons and edges into a ShiftRequest.
type requestResolver struct {
	gates      []GearButton // sorted by button index; includes the neutral button as gear 0
	paddleUp   int
	paddleDown int
	top        int
	reverse    int
}

func newRequestResolver(b ButtonConfig, g GearConfig) requestResolver {
	gates := make([]GearButton, 0, len(b.HPattern)+1)
	gates = append(gates, b.HPattern...)
	if b.Neutral >= 0 {
		gates = append(gates, GearButton{Button: b.Neutral, Gear: 0})
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].Button < gates[j].Button })
	return requestResolver{
		gates:      gates,
		paddleUp:   b.PaddleUp,
		paddleDown: b.PaddleDown,
		top:        g.TopGear,
		reverse:    g.ReverseGear,
	}
}

// Resolve picks at most one request. H-pattern gates win over paddles; among
// simultaneously held gates the lowest button index wins. A request for the
// gear already engaged is not a change and resolves to no request, so a lever
// resting in its gate does not re-trigger the interlock every tick.
func (r requestResolver) Resolve(s DeviceSnapshot, e *Edges, engaged int) ShiftRequest {
	for _, g := range r.gates {
		if !s.Button(g.Button) {
			continue
		}
		if g.Gear == engaged {
			return ShiftRequest{}
		}
		src := SourceHPattern
		if g.Gear == 0 {
			src = SourceNeutral
		}
		return ShiftRequest{Gear: g.Gear, Present: true, Source: src}
	}

	up := r.paddleUp >= 0 && e.At(r.paddleUp) == Pressed
	down := r.paddleDown >= 0 && e.At(r.paddleDown) == Pressed
	switch {
	case up && !down && engaged < r.top:
		return ShiftRequest{Gear: engaged + 1, Present: true, Source: SourcePaddle}
	case down && !up && engaged > r.reverse:
		return ShiftRequest{Gear: engaged - 1, Present: true, Source: SourcePaddle}
	}
	return ShiftRequest{}
}

// GearMachine is the admission state machine. The zero value starts in neutral.
type GearMachine struct {
	cfg   GearConfig
	state GearState
}

// NewGearMachine returns a machine in neutral.
func NewGearMachine(cfg GearConfig) *GearMachine {
	return &GearMachine{cfg: cfg}
}

// State returns a copy of the current gear state.
func (m *GearMachine) State() GearState { return m.state }

// Step runs one transition. It always returns a well-formed outcome; stalled
// reports the engine-stall side effect separately from the outcome.
func (m *GearMachine) Step(req ShiftRequest, clutch, throttle float64) (out ShiftOutcome, stalled bool) {
	m.state.ClutchEngaged = clutch >= m.cfg.ClutchThreshold
	cur := m.state.EngagedGear

	if !req.Present {
		return ShiftOutcome{Kind: OutcomeNoRequest}, false
	}

	if !m.state.ClutchEngaged {
		out = rejected(cur, req.Gear, ReasonClutchNotEngaged)
		if req.Gear != 0 && throttle < m.cfg.StallThrottle {
			m.state.EngagedGear = 0
			m.state.LastValidGear = 0
			stalled = true
		}
		return out, stalled
	}

	// Neutral is reachable from any gear; the jump limit only guards ratios.
	if req.Gear == 0 {
		m.state.EngagedGear = 0
		m.state.LastValidGear = 0
		return admitted(0), false
	}

	if abs(req.Gear-m.state.LastValidGear) > m.cfg.MaxJump {
		return rejected(cur, req.Gear, ReasonAbruptJump), false
	}

	m.state.EngagedGear = req.Gear
	m.state.LastValidGear = req.Gear
	return admitted(req.Gear), false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
