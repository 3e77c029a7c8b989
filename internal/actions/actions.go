// Package actions defines the units of work a sequence runs in order.
//
// Perform starts the work and must call done exactly once per invocation,
// even when the work finishes immediately. Actions that hold subscriptions
// or timers while pending implement io.Closer; Close releases them and the
// pending completion never fires.
package actions

import (
	"sort"

	"github.com/opencode-ai/sequencer/internal/bus"
	"github.com/rs/zerolog"
)

// Action is one ordered step of a sequence.
type Action interface {
	// Order positions the action in its sequence; lower runs first.
	Order() int

	// Perform begins the work and calls done once it is finished.
	Perform(done func())
}

// Meta carries the attributes shared by every action.
type Meta struct {
	// Position within the sequence. Ties keep declaration order.
	Position int

	// WaitForCompletion makes actions whose work outlives Perform hold the
	// sequence until that work finishes.
	WaitForCompletion bool
}

// At returns Meta for the given order, waiting for completion.
func At(order int) Meta {
	return Meta{Position: order, WaitForCompletion: true}
}

// Order implements Action.
func (m Meta) Order() int {
	return m.Position
}

// Sorted returns a copy of list ordered by Order, stable for ties.
func Sorted(list []Action) []Action {
	out := make([]Action, len(list))
	copy(out, list)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order() < out[j].Order()
	})
	return out
}

// Noop completes immediately.
type Noop struct {
	Meta
}

// NewNoop returns a Noop at meta's position.
func NewNoop(meta Meta) *Noop {
	return &Noop{Meta: meta}
}

// Perform implements Action.
func (n *Noop) Perform(done func()) {
	done()
}

// Func invokes a host callback, then completes.
type Func struct {
	Meta
	fn func()
}

// NewFunc wraps fn.
func NewFunc(meta Meta, fn func()) *Func {
	return &Func{Meta: meta, fn: fn}
}

// Perform implements Action.
func (f *Func) Perform(done func()) {
	if f.fn != nil {
		f.fn()
	}
	done()
}

// Levels selects which log levels a Log action writes to. Each enabled
// level gets its own entry.
type Levels struct {
	Info  bool
	Warn  bool
	Error bool
}

// Log writes a line to the logger, then completes.
type Log struct {
	Meta
	text   string
	levels Levels
	logger zerolog.Logger
}

// NewLog returns a Log action.
func NewLog(meta Meta, text string, levels Levels, logger zerolog.Logger) *Log {
	return &Log{Meta: meta, text: text, levels: levels, logger: logger}
}

// Text returns the logged text.
func (l *Log) Text() string {
	return l.text
}

// Perform implements Action.
func (l *Log) Perform(done func()) {
	if l.levels.Info {
		l.logger.Info().Msg(l.text)
	}
	if l.levels.Warn {
		l.logger.Warn().Msg(l.text)
	}
	if l.levels.Error {
		l.logger.Error().Msg(l.text)
	}
	done()
}

// Publish sends a message on the bus, then completes.
type Publish struct {
	Meta
	bus  *bus.MessageBus
	name string
}

// NewPublish returns a Publish action.
func NewPublish(meta Meta, b *bus.MessageBus, name string) *Publish {
	return &Publish{Meta: meta, bus: b, name: name}
}

// Message returns the published name.
func (p *Publish) Message() string {
	return p.name
}

// Perform implements Action.
func (p *Publish) Perform(done func()) {
	p.bus.Publish(p.name)
	done()
}
