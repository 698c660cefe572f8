package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

// fakeWheel is a test double for wheel.Device.
type fakeWheel struct {
	snapshot wheel.DeviceSnapshot
	initErr  error
	pollErr  error
	sendErr  error

	polls    int
	sent     []wheel.EffectCommand
	shutdown bool
}

func (d *fakeWheel) Initialize() error { return d.initErr }

func (d *fakeWheel) Poll() (wheel.DeviceSnapshot, error) {
	d.polls++
	return d.snapshot, d.pollErr
}

func (d *fakeWheel) SendEffect(cmd wheel.EffectCommand) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.sent = append(d.sent, cmd)
	return nil
}

func (d *fakeWheel) Shutdown() error {
	d.shutdown = true
	return nil
}

func (d *fakeWheel) count(match func(wheel.EffectCommand) bool) int {
	n := 0
	for _, c := range d.sent {
		if match(c) {
			n++
		}
	}
	return n
}

// pedals builds a snapshot for the stock axis mapping with clutch and
// throttle given as depression in [0,1].
func pedals(clutch, throttle float64) wheel.DeviceSnapshot {
	raw := func(v float64) int16 { return int16(32767 - v*65534) }
	return wheel.DeviceSnapshot{}.
		WithAxis(wheel.AxisZ, raw(throttle)).
		WithAxis(wheel.AxisRz, raw(0)).
		WithAxis(wheel.AxisY, raw(clutch))
}

type testLoop struct {
	*daemonLoop
	dev        *fakeWheel
	broadcasts chan StateBroadcast
	now        time.Time
}

func newTestLoop(t *testing.T, jw *journal.Writer) *testLoop {
	t.Helper()
	ctl, err := wheel.NewController(wheel.DefaultConfig())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	dev := &fakeWheel{snapshot: pedals(0, 0)}
	bc := make(chan StateBroadcast, 256)
	l := newDaemonLoop(context.Background(), loopDeps{
		Controller: ctl,
		Device:     dev,
		Vehicle:    newRemoteVehicle(),
		Journal:    jw,
		Broadcasts: bc,
		SessionID:  "test-session",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	tl := &testLoop{
		daemonLoop: l,
		dev:        dev,
		broadcasts: bc,
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	l.start(tl.now)
	return tl
}

// step polls and ticks once, 20ms after the previous step.
func (tl *testLoop) step(s wheel.DeviceSnapshot) {
	tl.now = tl.now.Add(20 * time.Millisecond)
	tl.dev.snapshot = s
	tl.onPoll(tl.now)
	tl.onTick(tl.now)
}

func (tl *testLoop) drain() []StateBroadcast {
	var out []StateBroadcast
	for {
		select {
		case b := <-tl.broadcasts:
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestDaemonLoop_AdmittedShiftReachesVehicle(t *testing.T) {
	tl := newTestLoop(t, nil)

	tl.step(pedals(0, 0))
	tl.step(pedals(1, 0).WithButton(12, true))

	if got := tl.Vehicle.snapshot().Gear; got != 1 {
		t.Fatalf("expected vehicle gear 1, got %d", got)
	}

	var shifts []BroadcastShift
	var inputs int
	for _, b := range tl.drain() {
		switch b := b.(type) {
		case BroadcastShift:
			shifts = append(shifts, b)
		case BroadcastVehicleInput:
			inputs++
		}
	}
	if len(shifts) != 1 || shifts[0].Outcome.Kind != wheel.OutcomeAdmitted {
		t.Fatalf("expected one admitted shift broadcast, got %#v", shifts)
	}
	if inputs != 2 {
		t.Fatalf("expected a vehicle_input broadcast per tick, got %d", inputs)
	}
}

func TestDaemonLoop_StallStopsEngineAndRaisesWarning(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.Vehicle.StartEngine()

	tl.step(pedals(0, 0))
	tl.step(pedals(0, 0).WithButton(12, true))

	v := tl.Vehicle.snapshot()
	if v.EngineRunning {
		t.Fatalf("expected engine stopped after stall")
	}
	if v.Gear != 0 {
		t.Fatalf("expected neutral after stall, got %d", v.Gear)
	}

	var warned bool
	for _, b := range tl.drain() {
		if w, ok := b.(BroadcastWarning); ok && w.Transition == wheel.WarningStarted {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning start broadcast")
	}
}

func TestDaemonLoop_DeviceTransitionsReportedOnce(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.step(pedals(0, 0))
	tl.drain()

	tl.dev.pollErr = &wheel.DeviceError{Op: "poll", Err: errors.New("no such device")}
	tl.step(pedals(0, 0))
	tl.step(pedals(0, 0))

	tl.dev.pollErr = nil
	tl.step(pedals(0, 0))

	var devices []BroadcastDevice
	for _, b := range tl.drain() {
		if d, ok := b.(BroadcastDevice); ok {
			devices = append(devices, d)
		}
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 device broadcasts, got %d: %#v", len(devices), devices)
	}
	if devices[0].Available || devices[0].Error == "" {
		t.Fatalf("expected unavailable with error first, got %#v", devices[0])
	}
	if !devices[1].Available {
		t.Fatalf("expected restored second, got %#v", devices[1])
	}
}

func TestDaemonLoop_NoEffectsWhileUnavailable(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.dev.pollErr = errors.New("gone")

	tl.step(pedals(0, 0))
	tl.step(pedals(0, 0))

	if len(tl.dev.sent) != 0 {
		t.Fatalf("expected no effects while unavailable, got %v", tl.dev.sent)
	}
	if in := tl.Vehicle.snapshot(); in.Throttle != 0 || in.Clutch != 0 {
		t.Fatalf("expected neutral inputs while unavailable, got %#v", in)
	}
}

func TestDaemonLoop_ImpactStopFiresOnDeadline(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.step(pedals(0, 0))

	tl.onEvent(ImpactReported{Velocity: 2.5})
	tl.step(pedals(0, 0))

	isPulse := func(c wheel.EffectCommand) bool { return c.Kind == wheel.KindConstant && !c.Stop }
	isStop := func(c wheel.EffectCommand) bool { return c.Kind == wheel.KindConstant && c.Stop }

	if n := tl.dev.count(isPulse); n != 1 {
		t.Fatalf("expected 1 constant pulse, got %d", n)
	}

	at, ok := tl.Controller.NextDeadline()
	if !ok {
		t.Fatalf("expected a pending stop deadline")
	}
	if d := at.Sub(tl.now); d <= 0 || d > 60*time.Millisecond {
		t.Fatalf("expected stop within 60ms, got %v", d)
	}

	tl.onDeadline(at)
	if n := tl.dev.count(isStop); n != 1 {
		t.Fatalf("expected 1 constant stop after deadline, got %d", n)
	}
	if _, ok := tl.Controller.NextDeadline(); ok {
		t.Fatalf("expected no pending deadline after stop")
	}
}

func TestDaemonLoop_SendFailureMarksUnavailable(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.step(pedals(0, 0))
	tl.drain()

	tl.dev.sendErr = &wheel.DeviceError{Op: "send", Err: errors.New("broken pipe")}
	tl.step(pedals(0, 0))

	if tl.Controller.Available() {
		t.Fatalf("expected controller unavailable after send failure")
	}
	var sawDown bool
	for _, b := range tl.drain() {
		if d, ok := b.(BroadcastDevice); ok && !d.Available {
			sawDown = true
		}
	}
	if !sawDown {
		t.Fatalf("expected an unavailable device broadcast")
	}
}

func TestDaemonLoop_StateSnapshotRequest(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.onEvent(TelemetryUpdate{Telemetry: wheel.Telemetry{SpeedKph: 88}})
	tl.step(pedals(1, 0).WithButton(12, true))

	reply := make(chan StateSnapshot, 1)
	tl.onEvent(RequestStateSnapshot{Reply: reply})

	select {
	case snap := <-reply:
		if snap.Gear.EngagedGear != 1 {
			t.Fatalf("expected gear 1 in snapshot, got %d", snap.Gear.EngagedGear)
		}
		if !snap.TelemetrySeen || snap.Telemetry.SpeedKph != 88 {
			t.Fatalf("expected telemetry in snapshot, got %#v", snap.Telemetry)
		}
		if snap.SessionID != "test-session" {
			t.Fatalf("expected session id, got %q", snap.SessionID)
		}
	default:
		t.Fatalf("expected a snapshot reply")
	}
}

func TestDaemonLoop_ShutdownStopsAllEffects(t *testing.T) {
	tl := newTestLoop(t, nil)
	tl.step(pedals(0, 0))
	tl.dev.sent = nil

	tl.shutdown()

	if !tl.dev.shutdown {
		t.Fatalf("expected device shutdown")
	}
	for _, kind := range wheel.EffectKinds {
		k := kind
		if tl.dev.count(func(c wheel.EffectCommand) bool { return c.Kind == k && c.Stop }) != 1 {
			t.Fatalf("expected one stop for %s, got %v", kind, tl.dev.sent)
		}
	}
}

func TestDaemonLoop_InitFailureStartsUnavailable(t *testing.T) {
	ctl, err := wheel.NewController(wheel.DefaultConfig())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	bc := make(chan StateBroadcast, 8)
	l := newDaemonLoop(context.Background(), loopDeps{
		Controller: ctl,
		Device:     &fakeWheel{initErr: &wheel.DeviceError{Op: "init", Err: errors.New("permission denied")}},
		Vehicle:    newRemoteVehicle(),
		Broadcasts: bc,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	l.start(time.Now())

	select {
	case b := <-bc:
		d, ok := b.(BroadcastDevice)
		if !ok || d.Available {
			t.Fatalf("expected unavailable device broadcast, got %#v", b)
		}
	default:
		t.Fatalf("expected a device broadcast on init failure")
	}
}

func TestDaemonLoop_JournalRecordsRejections(t *testing.T) {
	ctx := context.Background()
	store, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	sess, err := store.StartSession(ctx, "/dev/input/test", time.Now())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	jw := journal.NewWriter(store, sess.SessionID, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tl := newTestLoop(t, jw)
	tl.step(pedals(0, 0))
	tl.step(pedals(1, 0).WithButton(12, true)) // gear 1
	tl.step(pedals(1, 0))
	tl.step(pedals(1, 0).WithButton(14, true)) // 1 -> 3 is an abrupt jump

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := jw.Run(runCtx); err != nil {
		t.Fatalf("writer Run failed: %v", err)
	}

	incidents, err := store.ListIncidents(ctx, sess.SessionID, 10)
	if err != nil {
		t.Fatalf("ListIncidents failed: %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("expected 1 incident, got %d: %#v", len(incidents), incidents)
	}
	inc := incidents[0]
	if inc.Kind != journal.KindShiftRejected || inc.Reason != string(wheel.ReasonAbruptJump) {
		t.Fatalf("expected abrupt_jump rejection, got %#v", inc)
	}
	if inc.FromGear == nil || *inc.FromGear != 1 || inc.ToGear == nil || *inc.ToGear != 3 {
		t.Fatalf("expected 1 -> 3, got %v -> %v", inc.FromGear, inc.ToGear)
	}
}

func TestDaemonLoop_JournalRecordsStallGear(t *testing.T) {
	ctx := context.Background()
	store, err := journal.Open(ctx, filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	sess, err := store.StartSession(ctx, "/dev/input/test", time.Now())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	jw := journal.NewWriter(store, sess.SessionID, 16, nil)

	tl := newTestLoop(t, jw)
	tl.step(pedals(1, 0).WithButton(12, true)) // gear 1
	tl.step(pedals(1, 0))
	tl.step(pedals(1, 0).WithButton(13, true)) // gear 2
	tl.step(pedals(1, 0))
	tl.step(pedals(0, 0).WithButton(14, true)) // clutch up, no throttle

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := jw.Run(runCtx); err != nil {
		t.Fatalf("writer Run failed: %v", err)
	}

	counts, err := store.CountIncidents(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("CountIncidents failed: %v", err)
	}
	if counts[journal.KindStall] != 1 {
		t.Fatalf("expected 1 stall, got %v", counts)
	}
	incidents, err := store.ListIncidents(ctx, sess.SessionID, 10)
	if err != nil {
		t.Fatalf("ListIncidents failed: %v", err)
	}
	for _, inc := range incidents {
		if inc.Kind != journal.KindStall {
			continue
		}
		if inc.FromGear == nil || *inc.FromGear != 2 || inc.ToGear == nil || *inc.ToGear != 0 {
			t.Fatalf("expected stall 2 -> 0, got %v -> %v", inc.FromGear, inc.ToGear)
		}
	}
}
