// Package notify provides sinks for lock session events: fan-out, an
// ordered asynchronous queue, structured logging and desktop
// notifications.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"keyboardlock/internal/lock"
)

// Multi delivers every event to each notifier in order.
type Multi []lock.Notifier

// Notify implements lock.Notifier.
func (m Multi) Notify(ev lock.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// Async moves delivery to a dedicated goroutine so slow sinks never hold
// up the session. Events are delivered in the order they were queued.
// Progress and timer events are dropped when the queue is full; state
// changes and failures wait for room.
type Async struct {
	next    lock.Notifier
	ch      chan lock.Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// NewAsync starts an Async in front of next.
func NewAsync(next lock.Notifier, size int) *Async {
	if size <= 0 {
		size = 64
	}
	a := &Async{
		next: next,
		ch:   make(chan lock.Event, size),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func droppable(t lock.EventType) bool {
	return t == lock.EventUnlockProgress || t == lock.EventTimerUpdated
}

// Notify implements lock.Notifier.
func (a *Async) Notify(ev lock.Event) {
	if droppable(ev.Type) {
		select {
		case a.ch <- ev:
		case <-a.stop:
		default:
			a.dropped.Add(1)
		}
		return
	}
	select {
	case a.ch <- ev:
	case <-a.stop:
	}
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.ch:
			a.next.Notify(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.ch:
					a.next.Notify(ev)
				default:
					return
				}
			}
		}
	}
}

// Dropped returns how many droppable events were discarded.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Close delivers what is queued and stops the goroutine.
func (a *Async) Close() error {
	a.once.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

// Log writes session events to l.
func Log(l *slog.Logger) lock.Notifier {
	l = l.With("component", "events")
	return lock.NotifierFunc(func(ev lock.Event) {
		switch ev.Type {
		case lock.EventStateChanged:
			if ev.Locked {
				l.Info("state changed", "locked", true, "mode", ev.Mode.String())
			} else {
				l.Info("state changed", "locked", false, "mode", ev.Mode.String(), "reason", string(ev.Reason))
			}
		case lock.EventUnlockProgress:
			l.Debug("unlock progress", "count", ev.Count, "required", ev.Required)
		case lock.EventTimerUpdated:
			l.Debug("timer updated", "remaining", ev.Remaining.Round(100*time.Millisecond).String())
		case lock.EventLockFailed:
			l.Warn("lock failed", "mode", ev.Mode.String(), "error", ev.Err)
		}
	})
}
