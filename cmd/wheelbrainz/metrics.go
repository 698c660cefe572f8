package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

const instrumentationName = "wheelbrainz/cmd/wheelbrainz"

// daemonMetrics holds the OTel instruments the daemon records into.
// Instruments come from the global meter provider, which is a no-op unless
// the embedding process installs one. A nil *daemonMetrics records nothing.
type daemonMetrics struct {
	shiftAdmitted metric.Int64Counter
	shiftRejected metric.Int64Counter
	stalls        metric.Int64Counter
	effectsSent   metric.Int64Counter
	effectsFailed metric.Int64Counter
	unavailable   metric.Int64Counter
	ipcDropped    metric.Int64Counter

	queueDepth     metric.Int64ObservableGauge
	journalDropped metric.Int64ObservableCounter
}

// newDaemonMetrics creates the instruments. events and jw feed the
// observable instruments; either may be nil.
func newDaemonMetrics(events chan Event, jw *journal.Writer) (*daemonMetrics, error) {
	m := otel.Meter(instrumentationName)
	d := &daemonMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&d.shiftAdmitted, "wheel.shift.admitted", "Gear changes admitted by the interlock"},
		{&d.shiftRejected, "wheel.shift.rejected", "Gear requests rejected by the interlock"},
		{&d.stalls, "wheel.stall", "Engine stalls forced by the interlock"},
		{&d.effectsSent, "wheel.effects.sent", "Force-feedback commands delivered to the device"},
		{&d.effectsFailed, "wheel.effects.failed", "Force-feedback commands the device refused"},
		{&d.unavailable, "wheel.device.unavailable", "Transitions of the wheel device to unavailable"},
		{&d.ipcDropped, "wheel.ipc.rejected", "IPC requests rejected before reaching the loop"},
	}
	for _, c := range counters {
		inst, err := m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	d.queueDepth, err = m.Int64ObservableGauge(
		"wheel.events.queue.size",
		metric.WithDescription("Current number of simulator events waiting for the loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	d.journalDropped, err = m.Int64ObservableCounter(
		"wheel.journal.dropped",
		metric.WithDescription("Incidents dropped because the journal queue was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating journal dropped counter: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			if events != nil {
				o.ObserveInt64(d.queueDepth, int64(len(events)))
			}
			if jw != nil {
				o.ObserveInt64(d.journalDropped, int64(jw.Dropped()))
			}
			return nil
		},
		d.queueDepth, d.journalDropped,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	return d, nil
}

func (d *daemonMetrics) shift(ctx context.Context, out wheel.ShiftOutcome, stalled bool) {
	if d == nil {
		return
	}
	switch out.Kind {
	case wheel.OutcomeAdmitted:
		d.shiftAdmitted.Add(ctx, 1)
	case wheel.OutcomeRejected:
		d.shiftRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(out.Reason))))
	}
	if stalled {
		d.stalls.Add(ctx, 1)
	}
}

func (d *daemonMetrics) effectSent(ctx context.Context, cmd wheel.EffectCommand) {
	if d == nil {
		return
	}
	d.effectsSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(cmd.Kind)),
		attribute.Bool("stop", cmd.Stop),
	))
}

func (d *daemonMetrics) effectFailed(ctx context.Context, cmd wheel.EffectCommand) {
	if d == nil {
		return
	}
	d.effectsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(cmd.Kind))))
}

func (d *daemonMetrics) deviceUnavailable(ctx context.Context) {
	if d == nil {
		return
	}
	d.unavailable.Add(ctx, 1)
}

func (d *daemonMetrics) ipcRejected(ctx context.Context, reason string) {
	if d == nil {
		return
	}
	d.ipcDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
