// Package clock provides the wall clock and a manually advanced clock for
// driving TTLs and retry delays in tests.
package clock

import (
	"sync"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// System is the real clock.
type System struct{}

func (System) Now() time.Time                         { return time.Now().UTC() }
func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

var _ domain.Clock = System{}

// Manual is a clock that only moves when told to. After fires immediately and
// advances the clock by the requested duration, so code that sleeps between
// retries runs without real delays while still observing elapsed time.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After records the requested sleep, advances the clock and returns an already
// fired channel.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.sleeps = append(m.sleeps, d)
	now := m.now
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Sleeps returns every duration passed to After, in order.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

var _ domain.Clock = (*Manual)(nil)
