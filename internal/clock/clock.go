// Package clock provides real and manually driven time sources
package clock

import (
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// Real is the wall clock
type Real struct{}

// New returns the wall clock
func New() interfaces.Clock {
	return Real{}
}

// Now returns the current time
func (Real) Now() time.Time {
	return time.Now()
}

// NewTicker wraps time.NewTicker
func (Real) NewTicker(d time.Duration) interfaces.Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

// After wraps time.After
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Manual is a clock that only moves when told to. Tick delivers one tick to
// every live ticker and blocks until each has been received, so a test can
// step a periodic loop one sample at a time.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[*manualTicker]struct{}
	waiters []manualWaiter
	created chan struct{}
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual creates a manual clock starting at start
func NewManual(start time.Time) *Manual {
	return &Manual{
		now:     start,
		tickers: make(map[*manualTicker]struct{}),
		created: make(chan struct{}, 64),
	}
}

// Now returns the clock's current time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTicker registers a ticker driven by Tick
func (m *Manual) NewTicker(d time.Duration) interfaces.Ticker {
	t := &manualTicker{clock: m, interval: d, c: make(chan time.Time)}
	m.mu.Lock()
	m.tickers[t] = struct{}{}
	m.mu.Unlock()

	select {
	case m.created <- struct{}{}:
	default:
	}
	return t
}

// After returns a channel that fires once the clock is advanced past d
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	at := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, manualWaiter{at: at, ch: ch})
	return ch
}

// WaitForTicker blocks until at least one ticker has been created or the
// timeout elapses. It reports whether a ticker appeared.
func (m *Manual) WaitForTicker(timeout time.Duration) bool {
	m.mu.Lock()
	n := len(m.tickers)
	m.mu.Unlock()
	if n > 0 {
		return true
	}
	select {
	case <-m.created:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Advance moves the clock forward and releases expired After waiters
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	remaining := m.waiters[:0]
	var fire []chan time.Time
	for _, w := range m.waiters {
		if !w.at.After(now) {
			fire = append(fire, w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	m.waiters = remaining
	m.mu.Unlock()

	for _, ch := range fire {
		ch <- now
	}
}

// Tick advances the clock by each ticker's interval and delivers one tick to
// every registered ticker. It returns the number of tickers that accepted the
// tick before timeout.
func (m *Manual) Tick(timeout time.Duration) int {
	m.mu.Lock()
	tickers := make([]*manualTicker, 0, len(m.tickers))
	for t := range m.tickers {
		tickers = append(tickers, t)
	}
	var step time.Duration
	for _, t := range tickers {
		if t.interval > step {
			step = t.interval
		}
	}
	m.mu.Unlock()

	m.Advance(step)
	now := m.Now()

	delivered := 0
	for _, t := range tickers {
		select {
		case t.c <- now:
			delivered++
		case <-t.done():
		case <-time.After(timeout):
		}
	}
	return delivered
}

type manualTicker struct {
	clock    *Manual
	interval time.Duration
	c        chan time.Time
	once     sync.Once
	stopped  chan struct{}
	initOnce sync.Once
}

func (t *manualTicker) done() chan struct{} {
	t.initOnce.Do(func() { t.stopped = make(chan struct{}) })
	return t.stopped
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.once.Do(func() {
		t.clock.mu.Lock()
		delete(t.clock.tickers, t)
		t.clock.mu.Unlock()
		close(t.done())
	})
}
