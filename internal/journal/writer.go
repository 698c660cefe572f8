package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Writer serializes incident inserts onto one goroutine. Record never blocks:
// when the queue is full the incident is dropped and counted.
type Writer struct {
	store     *Store
	sessionID string
	logger    *slog.Logger
	queue     chan Incident
	dropped   atomic.Uint64
	written   atomic.Uint64
}

// NewWriter queues up to depth incidents for sessionID. A nil logger falls
// back to slog.Default.
func NewWriter(store *Store, sessionID string, depth int, logger *slog.Logger) *Writer {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		queue:     make(chan Incident, depth),
	}
}

// Record enqueues inc for the current session. It reports false on drop.
func (w *Writer) Record(inc Incident) bool {
	if w == nil {
		return false
	}
	inc.SessionID = w.sessionID
	select {
	case w.queue <- inc:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Dropped is the number of incidents lost to a full queue.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Written is the number of incidents persisted.
func (w *Writer) Written() uint64 { return w.written.Load() }

// Run drains the queue until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case inc := <-w.queue:
			w.insert(context.WithoutCancel(ctx), inc)
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	for {
		select {
		case inc := <-w.queue:
			w.insert(ctx, inc)
		default:
			return
		}
	}
}

func (w *Writer) insert(ctx context.Context, inc Incident) {
	if _, err := w.store.InsertIncident(ctx, inc); err != nil {
		w.logger.Warn("journal insert failed", "kind", inc.Kind, "error", err)
		return
	}
	w.written.Add(1)
}
