// Package clock defines the host clock consumed by time-based triggers and
// actions, plus a manual implementation for tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the host time source.
type Clock interface {
	// Since returns the time elapsed since the clock's reference point.
	// It never decreases.
	Since() time.Duration

	// AfterFunc schedules fn to run once d has elapsed. The host decides on
	// which goroutine fn runs; the director runs it on its loop.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending AfterFunc continuation.
type Timer interface {
	// Stop cancels the continuation. It reports whether the call prevented
	// fn from running.
	Stop() bool
}

// Manual is a Clock advanced explicitly by the caller. Due callbacks run
// synchronously inside Advance or Set, ordered by due time and then by
// registration order.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	due     time.Duration
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

// NewManual returns a Manual clock at elapsed zero.
func NewManual() *Manual {
	return &Manual{}
}

// Since implements Clock.
func (m *Manual) Since() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements Clock. A non-positive d fires on the next Advance.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{clock: m, due: m.now + d, seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves the clock forward by d and fires everything now due.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to elapsed. Moving backwards is ignored.
func (m *Manual) Set(elapsed time.Duration) {
	for {
		m.mu.Lock()
		if elapsed < m.now {
			elapsed = m.now
		}
		next := m.nextDueLocked(elapsed)
		if next == nil {
			m.now = elapsed
			m.mu.Unlock()
			return
		}
		// callbacks observe the time they were due at
		m.now = next.due
		next.fired = true
		m.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of timers that have neither fired nor stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.pending {
		if !t.fired && !t.stopped {
			count++
		}
	}
	return count
}

func (m *Manual) nextDueLocked(limit time.Duration) *manualTimer {
	live := m.pending[:0]
	for _, t := range m.pending {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	m.pending = live

	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].due != m.pending[j].due {
			return m.pending[i].due < m.pending[j].due
		}
		return m.pending[i].seq < m.pending[j].seq
	})

	if len(m.pending) == 0 || m.pending[0].due > limit {
		return nil
	}
	return m.pending[0]
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
