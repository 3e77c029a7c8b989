// Package sequence runs an ordered list of actions once its triggers hold.
//
// A Sequence is not safe for concurrent use. Drive every Sequence, its
// triggers and its actions from one goroutine; the director package
// provides such a loop.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/opencode-ai/sequencer/internal/actions"
	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/notify"
	"github.com/opencode-ai/sequencer/internal/trigger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCursorOutOfRange reports a run requested with the cursor past the
// action list. It is logged, never returned across the run path.
var ErrCursorOutOfRange = errors.New("sequence cursor beyond action list")

// TracerName names the tracer for sequence run spans.
const TracerName = "github.com/opencode-ai/sequencer/sequence"

// Run describes one run of a sequence, passed to start listeners.
type Run struct {
	Sequence string
	RunID    string
	Forced   bool
}

type triggerSub struct {
	notifier trigger.Notifier
	id       notify.ID
}

// Sequence is a trigger-gated, ordered run of actions.
type Sequence struct {
	name         string
	autoTrigger  bool
	repeatable   bool
	priority     int
	randomWeight int

	triggers []trigger.Trigger
	actions  []actions.Action

	running bool
	retired bool
	closed  bool
	cursor  int
	runID   string
	token   uint64

	triggerSubs []triggerSub
	started     notify.Signal[Run]
	completed   notify.Signal[string]

	logger zerolog.Logger
	tracer trace.Tracer
	span   trace.Span
}

// Option configures a Sequence.
type Option func(*Sequence)

// WithAutoTrigger controls whether active trigger pushes start the
// sequence. Default true.
func WithAutoTrigger(enabled bool) Option {
	return func(s *Sequence) {
		s.autoTrigger = enabled
	}
}

// WithRepeatable lets the sequence run again after completing. Default false.
func WithRepeatable(repeatable bool) Option {
	return func(s *Sequence) {
		s.repeatable = repeatable
	}
}

// WithPriority sets the PRIORITY group ordering key; lower is tried first.
func WithPriority(priority int) Option {
	return func(s *Sequence) {
		s.priority = priority
	}
}

// WithRandomWeight sets the RANDOM group weight. Negative weights are
// treated as zero. Default 1.
func WithRandomWeight(weight int) Option {
	return func(s *Sequence) {
		if weight < 0 {
			weight = 0
		}
		s.randomWeight = weight
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sequence) {
		s.logger = logger
	}
}

// WithTracer overrides the tracer used for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sequence) {
		s.tracer = tracer
	}
}

// New builds a Sequence and subscribes to its active triggers. The lists
// are owned by the sequence from here on: actions are stable-sorted by
// Order and both lists are closed when the sequence retires or closes.
func New(name string, acts []actions.Action, triggers []trigger.Trigger, opts ...Option) *Sequence {
	s := &Sequence{
		name:         name,
		autoTrigger:  true,
		randomWeight: 1,
		triggers:     append([]trigger.Trigger(nil), triggers...),
		actions:      actions.Sorted(acts),
		logger:       logging.Component("sequence"),
		tracer:       otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("sequence", name).Logger()

	for _, t := range s.triggers {
		if n, ok := t.(trigger.Notifier); ok {
			s.triggerSubs = append(s.triggerSubs, triggerSub{notifier: n, id: n.OnSatisfied(s.handleTriggered)})
		}
	}

	return s
}

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// Priority returns the PRIORITY ordering key.
func (s *Sequence) Priority() int { return s.priority }

// RandomWeight returns the RANDOM weight.
func (s *Sequence) RandomWeight() int { return s.randomWeight }

// Repeatable reports whether the sequence can run more than once.
func (s *Sequence) Repeatable() bool { return s.repeatable }

// AutoTrigger reports whether trigger pushes start the sequence.
func (s *Sequence) AutoTrigger() bool { return s.autoTrigger }

// IsRunning reports whether a run is in progress.
func (s *Sequence) IsRunning() bool { return s.running }

// Retired reports whether the sequence has permanently stopped.
func (s *Sequence) Retired() bool { return s.retired || s.closed }

// Cursor returns the index of the current action.
func (s *Sequence) Cursor() int { return s.cursor }

// Len returns the number of actions.
func (s *Sequence) Len() int { return len(s.actions) }

// Actions returns the actions in run order.
func (s *Sequence) Actions() []actions.Action {
	return append([]actions.Action(nil), s.actions...)
}

// Triggers returns the owned triggers.
func (s *Sequence) Triggers() []trigger.Trigger {
	return append([]trigger.Trigger(nil), s.triggers...)
}

// CheckTriggersMet returns how many triggers currently hold.
func (s *Sequence) CheckTriggersMet() int {
	return trigger.Count(s.triggers)
}

// CheckAllTriggersMet reports whether every trigger holds, without starting
// anything. No triggers means true.
func (s *Sequence) CheckAllTriggersMet() bool {
	return trigger.All(s.triggers)
}

// CheckTriggersAndRun starts a run when every trigger holds and reports
// whether a run started.
func (s *Sequence) CheckTriggersAndRun() bool {
	if !s.CheckAllTriggersMet() {
		return false
	}
	return s.start(false)
}

// ForcePerformEvents starts a run without consulting triggers and reports
// whether a run started.
func (s *Sequence) ForcePerformEvents() bool {
	return s.start(true)
}

// SubscribeStarted registers fn for run starts.
func (s *Sequence) SubscribeStarted(fn func(Run)) notify.ID {
	return s.started.Subscribe(fn)
}

// UnsubscribeStarted removes a start listener.
func (s *Sequence) UnsubscribeStarted(id notify.ID) {
	s.started.Unsubscribe(id)
}

// SubscribeCompleted registers fn for run completions. fn receives the
// sequence name.
func (s *Sequence) SubscribeCompleted(fn func(name string)) notify.ID {
	return s.completed.Subscribe(fn)
}

// UnsubscribeCompleted removes a completion listener.
func (s *Sequence) UnsubscribeCompleted(id notify.ID) {
	s.completed.Unsubscribe(id)
}

// Close tears the sequence down, including a run in flight. Pending action
// completions become no-ops. Completion listeners belong to their owners
// and are dropped too.
func (s *Sequence) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.running {
		s.logger.Debug().Int("cursor", s.cursor).Msg("closing sequence mid-run")
		s.endSpan(false)
	}
	s.running = false
	s.token++
	s.teardown()
	s.started.Clear()
	s.completed.Clear()
	return nil
}

func (s *Sequence) handleTriggered() {
	if s.running || !s.autoTrigger || s.Retired() {
		return
	}
	// every trigger must hold, not just the one that pushed
	s.CheckTriggersAndRun()
}

func (s *Sequence) start(forced bool) bool {
	if s.Retired() {
		s.logger.Debug().Bool("forced", forced).Msg("retired sequence not started")
		return false
	}
	if s.running {
		s.logger.Debug().Bool("forced", forced).Msg("sequence already running")
		return false
	}
	if s.cursor < 0 || (len(s.actions) > 0 && s.cursor >= len(s.actions)) {
		s.logger.Error().
			Err(ErrCursorOutOfRange).
			Int("cursor", s.cursor).
			Int("actions", len(s.actions)).
			Msg("aborting run")
		return false
	}

	s.running = true
	s.token++
	s.runID = uuid.New().String()
	_, s.span = s.tracer.Start(context.Background(), "sequence.run",
		trace.WithAttributes(
			attribute.String("sequence.name", s.name),
			attribute.String("sequence.run_id", s.runID),
			attribute.Bool("sequence.forced", forced),
		))

	s.logger.Debug().Str("run_id", s.runID).Bool("forced", forced).Msg("sequence started")
	s.started.Notify(Run{Sequence: s.name, RunID: s.runID, Forced: forced})

	if len(s.actions) == 0 {
		s.complete()
		return true
	}
	s.performCurrent()
	return true
}

func (s *Sequence) performCurrent() {
	token := s.token
	index := s.cursor
	act := s.actions[index]
	fired := false

	s.logger.Debug().Int("cursor", index).Str("action", actionName(act)).Msg("performing action")

	act.Perform(func() {
		if fired {
			s.logger.Warn().Int("cursor", index).Msg("action signalled completion twice")
			return
		}
		fired = true
		s.actionCompleted(token, index)
	})
}

func (s *Sequence) actionCompleted(token uint64, index int) {
	if token != s.token || !s.running || index != s.cursor {
		return
	}

	s.logger.Debug().Int("cursor", index).Msg("action completed")
	s.cursor++
	if s.cursor >= len(s.actions) {
		s.complete()
		return
	}
	s.performCurrent()
}

func (s *Sequence) complete() {
	s.running = false
	s.endSpan(true)
	s.logger.Info().Str("run_id", s.runID).Msg("sequence completed")

	if s.repeatable {
		s.cursor = 0
	} else {
		s.retired = true
		s.token++
		s.teardown()
	}
	s.completed.Notify(s.name)
}

func (s *Sequence) teardown() {
	for _, sub := range s.triggerSubs {
		sub.notifier.RemoveSatisfied(sub.id)
	}
	s.triggerSubs = nil

	for _, t := range s.triggers {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to close trigger")
			}
		}
	}
	for _, a := range s.actions {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to close action")
			}
		}
	}
}

func (s *Sequence) endSpan(ok bool) {
	if s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.Bool("sequence.completed", ok))
	s.span.End()
	s.span = nil
}

func actionName(a actions.Action) string {
	return fmt.Sprintf("%T", a)
}
