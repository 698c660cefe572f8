package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// One goroutine owns the controller, the device and the vehicle. It is driven
// by four sources:
//   - the poll ticker, which drains the device into the latest snapshot
//   - the tick ticker, which runs one control step on that snapshot
//   - the stop-deadline timer, armed from Controller.NextDeadline so pulsed
//     effects stop between ticks
//   - the event queue (telemetry, impacts, snapshot requests)
//
// Everything the loop decides is pushed out non-blocking: vehicle inputs and
// state go to the broadcaster, incidents go to the journal writer.
// ============================================================================

// loopDeps are the collaborators a daemon loop drives. Journal, Metrics and
// Broadcasts may be nil.
type loopDeps struct {
	Controller *wheel.Controller
	Device     wheel.Device
	Vehicle    *remoteVehicle
	Journal    *journal.Writer
	Metrics    *daemonMetrics
	Broadcasts chan<- StateBroadcast
	SessionID  string
	Logger     *slog.Logger
}

type daemonLoop struct {
	loopDeps

	ctx context.Context

	// Latest poll result.
	snap    wheel.DeviceSnapshot
	pollErr error
	polled  bool

	// Device availability as last reported to the outside world.
	available bool

	last wheel.TickResult
}

func newDaemonLoop(ctx context.Context, deps loopDeps) *daemonLoop {
	return &daemonLoop{loopDeps: deps, ctx: ctx, available: true}
}

// start initializes the device. A failure is not fatal: the loop runs with
// the device unavailable and Poll keeps retrying the open.
func (l *daemonLoop) start(now time.Time) {
	if err := l.Device.Initialize(); err != nil {
		l.Logger.Warn("Wheel device unavailable at startup", "error", err)
		l.setAvailable(now, false, err)
		return
	}
	l.Logger.Info("Wheel device initialized")
	l.onPoll(now)
}

// runDaemon is the main daemon loop. It exits when ctx is canceled or the
// events channel is closed, leaving the wheel with no force playing.
func runDaemon(ctx context.Context, events <-chan Event, deps loopDeps, pollHz, tickHz int) {
	l := newDaemonLoop(ctx, deps)
	l.start(time.Now())
	defer l.shutdown()

	pollTicker := time.NewTicker(time.Second / time.Duration(pollHz))
	defer pollTicker.Stop()
	tickTicker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer tickTicker.Stop()

	deadline := time.NewTimer(time.Hour)
	deadline.Stop()
	defer deadline.Stop()
	var deadlineC <-chan time.Time

	arm := func() {
		at, ok := l.Controller.NextDeadline()
		if !ok {
			deadline.Stop()
			deadlineC = nil
			return
		}
		deadline.Reset(time.Until(at))
		deadlineC = deadline.C
	}

	for {
		select {
		case <-ctx.Done():
			l.Logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				l.Logger.Info("daemon stopping (events channel closed)")
				return
			}
			l.onEvent(ev)

		case now := <-pollTicker.C:
			l.onPoll(now)

		case now := <-tickTicker.C:
			l.onTick(now)
			arm()

		case now := <-deadlineC:
			deadlineC = nil
			l.onDeadline(now)
			arm()
		}
	}
}

func (l *daemonLoop) onEvent(ev Event) {
	if l.Vehicle.handle(ev) {
		return
	}
	switch e := ev.(type) {
	case RequestStateSnapshot:
		select {
		case e.Reply <- l.snapshot():
		default:
		}
	default:
		l.Logger.Debug("Ignoring unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (l *daemonLoop) onPoll(now time.Time) {
	l.snap, l.pollErr = l.Device.Poll()
	l.polled = true
}

// onTick runs one control step on the latest snapshot and pushes its
// decisions to the vehicle, the device and the observers.
func (l *daemonLoop) onTick(now time.Time) {
	res := l.Controller.Tick(wheel.TickInput{
		Now:              now,
		Connected:        l.polled && l.pollErr == nil,
		Snapshot:         l.snap,
		Telemetry:        l.Vehicle.Telemetry(),
		ImpactVelocities: l.Vehicle.takeImpacts(),
	})
	l.last = res

	l.setAvailable(now, res.DeviceAvailable, l.pollErr)

	wheel.ApplyVehicle(l.Vehicle, res)
	l.recordShift(res)
	l.recordWarning(res)

	if res.DeviceAvailable {
		l.deliver(now, res.Effects)
	}

	l.broadcast(BroadcastTick{At: now, Inputs: res.Inputs, Gear: res.Gear})
	l.broadcast(BroadcastVehicleInput{At: now, Input: l.Vehicle.snapshot()})
}

func (l *daemonLoop) onDeadline(now time.Time) {
	l.deliver(now, l.Controller.Expire(now))
}

// setAvailable reports availability transitions exactly once each.
func (l *daemonLoop) setAvailable(now time.Time, available bool, cause error) {
	if available == l.available {
		return
	}
	l.available = available

	if available {
		l.Logger.Info("Wheel device restored")
		l.Journal.Record(journal.Incident{Kind: journal.KindDeviceRestored, At: now})
		l.broadcast(BroadcastDevice{At: now, Available: true})
		return
	}

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	l.Logger.Warn("Wheel device unavailable", "error", detail)
	l.Metrics.deviceUnavailable(l.ctx)
	l.Journal.Record(journal.Incident{Kind: journal.KindDeviceUnavailable, At: now, Detail: detail})
	l.broadcast(BroadcastDevice{At: now, Available: false, Error: detail})
}

func (l *daemonLoop) recordShift(res wheel.TickResult) {
	if res.Outcome.Kind == wheel.OutcomeNoRequest && !res.Stalled {
		return
	}
	l.Metrics.shift(l.ctx, res.Outcome, res.Stalled)

	switch res.Outcome.Kind {
	case wheel.OutcomeAdmitted:
		l.Logger.Debug("Gear engaged", "gear", res.Outcome.Gear)
	case wheel.OutcomeRejected:
		l.Logger.Info("Gear request rejected",
			"from", res.Outcome.From,
			"to", res.Outcome.To,
			"reason", res.Outcome.Reason)
		l.Journal.Record(journal.Incident{
			Kind:     journal.KindShiftRejected,
			At:       res.Now,
			FromGear: journal.Int(res.Outcome.From),
			ToGear:   journal.Int(res.Outcome.To),
			Reason:   string(res.Outcome.Reason),
		})
	}

	if res.Stalled {
		// The stall tick's outcome is the rejected request; From is the gear
		// the engine stalled in.
		l.Logger.Info("Engine stalled", "gear", res.Outcome.From)
		l.Journal.Record(journal.Incident{
			Kind:     journal.KindStall,
			At:       res.Now,
			FromGear: journal.Int(res.Outcome.From),
			ToGear:   journal.Int(0),
		})
	}

	l.broadcast(BroadcastShift{At: res.Now, Outcome: res.Outcome, Stalled: res.Stalled, Gear: res.Gear})
}

func (l *daemonLoop) recordWarning(res wheel.TickResult) {
	if res.WarningChange == wheel.WarningUnchanged {
		return
	}
	l.Logger.Debug("Interlock warning", "cue", res.WarningChange, "reason", res.Warning.Reason)
	l.broadcast(BroadcastWarning{At: res.Now, Transition: res.WarningChange, State: res.Warning})
}

func (l *daemonLoop) broadcast(b StateBroadcast) {
	if l.Broadcasts == nil {
		return
	}
	select {
	case l.Broadcasts <- b:
	default:
		// Observers never slow down the loop.
	}
}

func (l *daemonLoop) snapshot() StateSnapshot {
	return StateSnapshot{
		At:              time.Now().UTC(),
		DeviceAvailable: l.Controller.Available(),
		Inputs:          l.last.Inputs,
		Gear:            l.Controller.Gear(),
		Warning:         l.Controller.Warning(),
		Vehicle:         l.Vehicle.snapshot(),
		Telemetry:       l.Vehicle.Telemetry(),
		TelemetrySeen:   l.Vehicle.connected(),
		SessionID:       l.SessionID,
	}
}

// shutdown stops every effect the wheel may be playing and releases it.
func (l *daemonLoop) shutdown() {
	cmds := l.Controller.ShutdownCommands()
	if l.Controller.Available() {
		for _, cmd := range cmds {
			if err := l.Device.SendEffect(cmd); err != nil {
				l.Logger.Warn("Failed to stop effect on shutdown", "effect", cmd, "error", err)
				break
			}
		}
	}
	if err := l.Device.Shutdown(); err != nil {
		l.Logger.Warn("Wheel device shutdown failed", "error", err)
	}
}
