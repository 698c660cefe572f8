package wheel

// ButtonEdge classifies a button between two consecutive snapshots.
type ButtonEdge uint8

const (
	Idle     ButtonEdge = iota // up -> up
	Pressed                    // up -> down (rising)
	Released                   // down -> up (falling)
	Held                       // down -> down
)

func (e ButtonEdge) String() string {
	switch e {
	case Idle:
		return "idle"
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	case Held:
		return "held"
	default:
		return "unknown"
	}
}

// Classify is a pure function of the previous and current button level.
func Classify(previous, current bool) ButtonEdge {
	switch {
	case !previous && current:
		return Pressed
	case previous && !current:
		return Released
	case previous && current:
		return Held
	default:
		return Idle
	}
}

// Edges is the per-button classification for one tick, in button index order.
type Edges [MaxButtons]ButtonEdge

// DetectAll classifies every button of curr against prev.
func DetectAll(prev, curr DeviceSnapshot) Edges {
	var out Edges
	for i := range out {
		out[i] = Classify(prev.Buttons[i], curr.Buttons[i])
	}
	return out
}

// At returns the edge for button i; out-of-range indices are Idle.
func (e *Edges) At(i int) ButtonEdge {
	if i < 0 || i >= MaxButtons {
		return Idle
	}
	return e[i]
}

// AnyPressed reports whether any button had a rising edge this tick.
func (e *Edges) AnyPressed() bool {
	for _, v := range e {
		if v == Pressed {
			return true
		}
	}
	return false
}

// EdgeDetector holds the button history of a single control loop instance.
type EdgeDetector struct {
	last   DeviceSnapshot
	primed bool
}

// Step classifies curr against the retained previous snapshot and then retains curr.
//
// The first snapshot only primes the history: buttons already held at startup
// report Held rather than a spurious Pressed.
func (d *EdgeDetector) Step(curr DeviceSnapshot) Edges {
	prev := d.last
	if !d.primed {
		prev = curr
		d.primed = true
	}
	d.last = curr
	return DetectAll(prev, curr)
}

// Last returns the retained previous snapshot.
func (d *EdgeDetector) Last() DeviceSnapshot { return d.last }
