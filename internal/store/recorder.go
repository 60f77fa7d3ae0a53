package store

import (
	"context"
	"log/slog"
	"time"

	"keyboardlock/internal/lock"
)

// Recorder journals session events into the store. It implements
// lock.Notifier and must be driven from a single goroutine.
type Recorder struct {
	store   *Store
	log     *slog.Logger
	timeout time.Duration

	current   int64
	countdown bool
}

// NewRecorder returns a Recorder writing to s.
func NewRecorder(s *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, log: logger.With("component", "history"), timeout: 5 * time.Second}
}

// Notify implements lock.Notifier.
func (r *Recorder) Notify(ev lock.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Type {
	case lock.EventStateChanged:
		if ev.Locked {
			r.begin(ctx, ev, at)
		} else {
			r.end(ctx, ev, at)
		}
	case lock.EventTimerUpdated:
		// The first tick after a lock carries the full countdown.
		if r.current == 0 || r.countdown {
			return
		}
		r.countdown = true
		if err := r.store.SetAutoUnlock(ctx, r.current, ev.Remaining.Round(time.Second)); err != nil {
			r.log.Warn("record auto-unlock", "session", r.current, "error", err)
		}
	case lock.EventLockFailed:
		cause := "unknown"
		if ev.Err != nil {
			cause = ev.Err.Error()
		}
		if _, err := r.store.RecordFailure(ctx, ev.Mode.String(), at, cause); err != nil {
			r.log.Warn("record lock failure", "error", err)
		}
	}
}

func (r *Recorder) begin(ctx context.Context, ev lock.Event, at time.Time) {
	if r.current != 0 {
		r.end(ctx, lock.Event{Reason: ReasonInterrupted}, at)
	}
	id, err := r.store.BeginSession(ctx, ev.Mode.String(), at, 0)
	if err != nil {
		r.log.Warn("record lock", "error", err)
		return
	}
	r.current, r.countdown = id, false
}

func (r *Recorder) end(ctx context.Context, ev lock.Event, at time.Time) {
	if r.current == 0 {
		return
	}
	if err := r.store.EndSession(ctx, r.current, at, string(ev.Reason)); err != nil {
		r.log.Warn("record unlock", "session", r.current, "error", err)
	}
	r.current, r.countdown = 0, false
}
