package trigger

import (
	"time"

	"github.com/opencode-ai/sequencer/internal/clock"
)

// Elapsed is satisfied once the host clock passes a threshold. It pushes
// exactly once, on the first Tick that observes the threshold.
type Elapsed struct {
	Active

	clock     clock.Clock
	threshold time.Duration
	fired     bool
}

// NewElapsed returns a trigger satisfied when c.Since() >= threshold.
func NewElapsed(c clock.Clock, threshold time.Duration) *Elapsed {
	return &Elapsed{clock: c, threshold: threshold}
}

// Threshold returns the configured threshold.
func (e *Elapsed) Threshold() time.Duration {
	return e.threshold
}

// ConditionsMet implements Trigger.
func (e *Elapsed) ConditionsMet() bool {
	return e.clock.Since() >= e.threshold
}

// Tick implements Ticker.
func (e *Elapsed) Tick() {
	if e.fired || !e.ConditionsMet() {
		return
	}
	e.fired = true
	e.Fire()
}

// Close stops further pushes.
func (e *Elapsed) Close() error {
	e.fired = true
	return e.Active.Close()
}
