package main

import (
	"time"

	"wheelbrainz/internal/journal"
	"wheelbrainz/internal/wheel"
)

// deliver sends a batch of effect commands to the wheel.
//
// The controller decides what happens on failure (mark unavailable, drop the
// rest of the batch, re-arm pulsed stops); this side only observes it:
// per-command metrics, impact incidents, and the availability transition.
func (l *daemonLoop) deliver(now time.Time, cmds []wheel.EffectCommand) {
	if len(cmds) == 0 {
		return
	}

	sent, err := l.Controller.Deliver(l.Device, cmds, now)
	for _, cmd := range cmds[:sent] {
		l.Metrics.effectSent(l.ctx, cmd)
		if cmd.Kind == wheel.KindConstant && !cmd.Stop {
			l.Logger.Debug("Impact pulse", "magnitude", cmd.Magnitude)
			l.Journal.Record(journal.Incident{
				Kind:      journal.KindImpact,
				At:        now,
				Magnitude: cmd.Magnitude,
			})
		}
	}
	if err == nil {
		return
	}

	l.Metrics.effectFailed(l.ctx, cmds[sent])
	l.Logger.Warn("Effect delivery failed",
		"effect", cmds[sent],
		"sent", sent,
		"dropped", len(cmds)-sent,
		"error", err)
	l.setAvailable(now, false, err)
}
