// Package trigger defines gating conditions for sequences and groups.
//
// Every trigger answers ConditionsMet on demand (passive). Triggers that
// embed Active can also push a notification when they become satisfied.
// Triggers that need the host's per-tick update implement Ticker.
package trigger

import (
	"sync"

	"github.com/opencode-ai/sequencer/internal/notify"
)

// Trigger is a gating condition. ConditionsMet must not change state.
type Trigger interface {
	ConditionsMet() bool
}

// Notifier is implemented by active triggers.
type Notifier interface {
	OnSatisfied(fn func()) notify.ID
	RemoveSatisfied(id notify.ID)
}

// Ticker is implemented by triggers polled from the host loop.
type Ticker interface {
	Tick()
}

// Active provides the push half of a trigger. Embed it and call Fire when
// the condition becomes true.
type Active struct {
	satisfied notify.Signal[struct{}]
}

// OnSatisfied subscribes fn to satisfaction pushes.
func (a *Active) OnSatisfied(fn func()) notify.ID {
	if fn == nil {
		return 0
	}
	return a.satisfied.Subscribe(func(struct{}) { fn() })
}

// RemoveSatisfied drops a subscription made with OnSatisfied.
func (a *Active) RemoveSatisfied(id notify.ID) {
	a.satisfied.Unsubscribe(id)
}

// Fire pushes a satisfaction notification to every listener.
func (a *Active) Fire() {
	a.satisfied.Notify(struct{}{})
}

// Listeners returns the number of satisfaction listeners.
func (a *Active) Listeners() int {
	return a.satisfied.Len()
}

// Close drops every listener.
func (a *Active) Close() error {
	a.satisfied.Clear()
	return nil
}

// Always is satisfied unconditionally.
type Always struct{}

// ConditionsMet implements Trigger.
func (Always) ConditionsMet() bool { return true }

// Func adapts a predicate into a passive trigger.
type Func func() bool

// ConditionsMet implements Trigger.
func (f Func) ConditionsMet() bool {
	if f == nil {
		return false
	}
	return f()
}

// Flag is a condition set and cleared by the host. Setting a cleared flag
// pushes a notification.
type Flag struct {
	Active

	mu  sync.Mutex
	set bool
}

// NewFlag returns a cleared flag.
func NewFlag() *Flag {
	return &Flag{}
}

// ConditionsMet implements Trigger.
func (f *Flag) ConditionsMet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Set raises the flag.
func (f *Flag) Set() {
	f.mu.Lock()
	changed := !f.set
	f.set = true
	f.mu.Unlock()

	if changed {
		f.Fire()
	}
}

// Clear lowers the flag.
func (f *Flag) Clear() {
	f.mu.Lock()
	f.set = false
	f.mu.Unlock()
}

// Watch turns a predicate into an active trigger: on every Tick it pushes
// when the predicate goes from false to true.
type Watch struct {
	Active

	pred Func
	last bool
}

// NewWatch wraps pred.
func NewWatch(pred func() bool) *Watch {
	return &Watch{pred: Func(pred)}
}

// ConditionsMet implements Trigger.
func (w *Watch) ConditionsMet() bool {
	return w.pred.ConditionsMet()
}

// Tick implements Ticker.
func (w *Watch) Tick() {
	now := w.pred.ConditionsMet()
	rising := now && !w.last
	w.last = now
	if rising {
		w.Fire()
	}
}

// All reports whether every trigger is satisfied. An empty list is
// satisfied.
func All(triggers []Trigger) bool {
	for _, t := range triggers {
		if !t.ConditionsMet() {
			return false
		}
	}
	return true
}

// Count returns how many triggers are satisfied.
func Count(triggers []Trigger) int {
	met := 0
	for _, t := range triggers {
		if t.ConditionsMet() {
			met++
		}
	}
	return met
}

// Tickers returns the triggers that want host ticks.
func Tickers(triggers []Trigger) []Ticker {
	var out []Ticker
	for _, t := range triggers {
		if ticker, ok := t.(Ticker); ok {
			out = append(out, ticker)
		}
	}
	return out
}
