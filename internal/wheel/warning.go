package wheel

// WarningReason names what put the coordinator into the Warning state.
type WarningReason string

const (
	WarningNone             WarningReason = ""
	WarningClutchNotEngaged WarningReason = "clutch_not_engaged"
	WarningAbruptJump       WarningReason = "abrupt_jump"
	WarningStall            WarningReason = "stall"
)

// WarningState is the externally visible warning status.
type WarningState struct {
	Active bool          `json:"active"`
	Reason WarningReason `json:"reason,omitempty"`
}

// WarningTransition is the one-shot cue emitted on a state change.
type WarningTransition int

const (
	WarningUnchanged WarningTransition = iota
	WarningStarted
	WarningStopped
)

func (t WarningTransition) String() string {
	switch t {
	case WarningStarted:
		return "started"
	case WarningStopped:
		return "stopped"
	default:
		return "unchanged"
	}
}

// WarningCoordinator is the {Idle, Warning} machine. It is re-examined every
// tick while active; a single qualifying input returns it to Idle.
type WarningCoordinator struct {
	epsilon   float64
	threshold float64

	state      WarningState
	prevClutch bool
}

func newWarningCoordinator(activityEpsilon, clutchThreshold float64) WarningCoordinator {
	return WarningCoordinator{epsilon: activityEpsilon, threshold: clutchThreshold}
}

// State returns the current warning state.
func (w *WarningCoordinator) State() WarningState { return w.state }

// Step folds one tick into the coordinator.
func (w *WarningCoordinator) Step(out ShiftOutcome, stalled bool, in NormalizedInputs, edges *Edges) WarningTransition {
	clutchUp := in.Clutch >= w.threshold
	crossed := clutchUp && !w.prevClutch
	w.prevClutch = clutchUp

	if reason := warningReason(out, stalled); reason != WarningNone {
		was := w.state.Active
		w.state = WarningState{Active: true, Reason: reason}
		if was {
			return WarningUnchanged
		}
		return WarningStarted
	}

	if !w.state.Active {
		return WarningUnchanged
	}

	if crossed ||
		abs64(in.Steering) > w.epsilon ||
		in.Throttle > w.epsilon ||
		in.Brake > w.epsilon ||
		edges.AnyPressed() {
		w.state = WarningState{}
		return WarningStopped
	}
	return WarningUnchanged
}

func warningReason(out ShiftOutcome, stalled bool) WarningReason {
	if stalled {
		return WarningStall
	}
	if out.Kind != OutcomeRejected {
		return WarningNone
	}
	if out.Reason == ReasonAbruptJump {
		return WarningAbruptJump
	}
	return WarningClutchNotEngaged
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
