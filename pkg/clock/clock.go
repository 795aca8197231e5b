// Package clock provides the timer capability injected into the
// detector and coordinator so tests can advance simulated time
// deterministically instead of waiting on wall-clock timers.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time observation and ticker creation.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Ticker is the injected counterpart of time.Ticker.
type Ticker interface {
	// C returns the tick channel.
	C() <-chan time.Time

	// Stop releases the ticker's resources.
	Stop()
}

// Real is a Clock backed by the wall clock.
type Real struct{}

// NewReal returns the wall-clock implementation.
func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Fake is a Clock whose time only moves when Advance is called. Tickers
// and After channels fire synchronously during Advance, in deadline
// order, so tests observe deterministic interleavings.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	ch       chan time.Time
	deadline time.Time
	interval time.Duration // 0 for one-shot After waiters
	stopped  bool
}

// NewFake returns a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
		interval: d,
	}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		ch:       make(chan time.Time, 1),
		deadline: f.now.Add(d),
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

// Advance moves the fake time forward by d, firing every waiter whose
// deadline falls inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		select {
		case next.ch <- f.now:
		default:
			// Slow consumer; tick dropped like time.Ticker does.
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.stopped = true
		}
	}
	f.now = target
}

// nextDeadlineLocked returns the live waiter with the earliest deadline
// at or before target, or nil when none remain in the window.
func (f *Fake) nextDeadlineLocked(target time.Time) *fakeWaiter {
	var next *fakeWaiter
	for _, w := range f.waiters {
		if w.stopped || w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) {
			next = w
		}
	}
	return next
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
