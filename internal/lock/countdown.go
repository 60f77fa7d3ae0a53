package lock

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// TickInterval is the period of TimerUpdated events while a lock with
// auto-unlock is active.
const TickInterval = time.Second

// countdown holds the auto-unlock timer and the tick goroutine of one lock.
type countdown struct {
	expiry clock.Timer
	done   chan struct{}
	once   sync.Once
}

func (s *Session) startCountdown(epoch uint64, d time.Duration) *countdown {
	c := &countdown{done: make(chan struct{})}

	// AfterFunc callbacks may run under the clock's own lock, so the
	// callback hands off to a goroutine instead of blocking on the session.
	c.expiry = s.clock.AfterFunc(d, func() {
		go s.post(s.expired, epoch, c.done)
	})

	ticker := s.clock.NewTicker(TickInterval)
	go s.tick(epoch, ticker, c.done)
	return c
}

func (c *countdown) stop() {
	c.once.Do(func() {
		c.expiry.Stop()
		close(c.done)
	})
}

func (s *Session) tick(epoch uint64, t clock.Ticker, stop <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-t.C():
			s.post(s.ticks, epoch, stop)
		}
	}
}

// post delivers epoch unless the countdown or the session ended first.
// A value that still arrives after cancellation is discarded by the
// session because its epoch is stale.
func (s *Session) post(ch chan<- uint64, epoch uint64, stop <-chan struct{}) {
	select {
	case ch <- epoch:
	case <-stop:
	case <-s.done:
	}
}
