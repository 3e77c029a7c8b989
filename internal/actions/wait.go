package actions

import (
	"time"

	"github.com/opencode-ai/sequencer/internal/bus"
	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/notify"
)

// Delay completes after a fixed duration of host time.
type Delay struct {
	Meta
	clock    clock.Clock
	duration time.Duration
	timer    clock.Timer
}

// NewDelay returns a Delay of d measured on c.
func NewDelay(meta Meta, c clock.Clock, d time.Duration) *Delay {
	return &Delay{Meta: meta, clock: c, duration: d}
}

// Duration returns the configured delay.
func (d *Delay) Duration() time.Duration {
	return d.duration
}

// Perform implements Action.
func (d *Delay) Perform(done func()) {
	d.timer = d.clock.AfterFunc(d.duration, func() {
		d.timer = nil
		done()
	})
}

// Close cancels a pending delay.
func (d *Delay) Close() error {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return nil
}

// WaitForMessage stays pending until a message with its name is published.
// It listens only while pending.
type WaitForMessage struct {
	Meta
	bus  *bus.MessageBus
	name string
	sub  bus.SubscriptionID
}

// NewWaitForMessage returns a WaitForMessage action.
func NewWaitForMessage(meta Meta, b *bus.MessageBus, name string) *WaitForMessage {
	return &WaitForMessage{Meta: meta, bus: b, name: name}
}

// Message returns the awaited name.
func (w *WaitForMessage) Message() string {
	return w.name
}

// Pending reports whether the action is waiting.
func (w *WaitForMessage) Pending() bool {
	return w.sub != 0
}

// Perform implements Action.
func (w *WaitForMessage) Perform(done func()) {
	w.release()
	w.sub = w.bus.Subscribe(func(name string) {
		if name != w.name || w.sub == 0 {
			return
		}
		w.release()
		done()
	})
}

// Close abandons a pending wait.
func (w *WaitForMessage) Close() error {
	w.release()
	return nil
}

func (w *WaitForMessage) release() {
	if w.sub != 0 {
		w.bus.Unsubscribe(w.sub)
		w.sub = 0
	}
}

// Runner is the part of a sequence a SubSequence drives.
type Runner interface {
	Name() string
	CheckTriggersAndRun() bool
	ForcePerformEvents() bool
	SubscribeCompleted(fn func(name string)) notify.ID
	UnsubscribeCompleted(id notify.ID)
}

// SubSequence starts a nested sequence. It completes immediately when the
// nested sequence does not start or when WaitForCompletion is false, and
// otherwise when the nested run completes.
type SubSequence struct {
	Meta
	runner Runner
	force  bool
	sub    notify.ID
}

// NewSubSequence returns a SubSequence. With force set the nested
// sequence's triggers are bypassed.
func NewSubSequence(meta Meta, runner Runner, force bool) *SubSequence {
	return &SubSequence{Meta: meta, runner: runner, force: force}
}

// Target returns the nested sequence's name.
func (s *SubSequence) Target() string {
	return s.runner.Name()
}

// Perform implements Action.
func (s *SubSequence) Perform(done func()) {
	s.release()

	if !s.WaitForCompletion {
		s.start()
		done()
		return
	}

	// subscribe first: an empty nested sequence completes inside start
	finished := false
	s.sub = s.runner.SubscribeCompleted(func(string) {
		s.release()
		finished = true
		done()
	})
	if !s.start() {
		s.release()
		if !finished {
			done()
		}
	}
}

// Close stops waiting for the nested sequence.
func (s *SubSequence) Close() error {
	s.release()
	return nil
}

func (s *SubSequence) start() bool {
	if s.force {
		return s.runner.ForcePerformEvents()
	}
	return s.runner.CheckTriggersAndRun()
}

func (s *SubSequence) release() {
	if s.sub != 0 {
		s.runner.UnsubscribeCompleted(s.sub)
		s.sub = 0
	}
}
