// Package journal records a running scenario's activity to the database.
//
// The journal is an observer only: it subscribes to the bus and to the
// started/completed signals of every sequence and group, and nothing in
// the engine reads it back. Write failures are logged and never reach the
// engine.
package journal

import (
	"context"
	"time"

	"github.com/opencode-ai/sequencer/internal/events"
	"github.com/opencode-ai/sequencer/internal/group"
	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/models"
	"github.com/opencode-ai/sequencer/internal/scenario"
	"github.com/opencode-ai/sequencer/internal/sequence"
	"github.com/rs/zerolog"
)

// RunStore persists run records.
type RunStore interface {
	Start(ctx context.Context, record *models.RunRecord) error
	Finish(ctx context.Context, id string, status models.RunStatus, at time.Time) error
	AbandonRunning(ctx context.Context, scenario string, at time.Time) (int64, error)
}

// Options configures a Journal.
type Options struct {
	// Events receives journal entries. Required.
	Events events.Repository

	// Runs receives run records. Optional.
	Runs RunStore

	// Now stamps run records. Default time.Now.
	Now func() time.Time

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

type activeRun struct {
	id      string
	started time.Time
}

type unsubscriber func()

// Journal observes one scenario runtime.
type Journal struct {
	ctx      context.Context
	scenario string
	opts     Options
	logger   zerolog.Logger
	active   map[string]activeRun
	unsubs   []unsubscriber
	detached bool
}

// Attach subscribes a journal to rt. Callbacks arrive on whatever
// goroutine drives the runtime; Detach must be called from that same
// goroutine. Cancelling ctx does not stop the journal: Detach still has
// to record abandoned runs after an interrupt.
func Attach(ctx context.Context, rt *scenario.Runtime, opts Options) *Journal {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.Component("journal")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "journal").Logger()
	}

	j := &Journal{
		ctx:      context.WithoutCancel(ctx),
		scenario: rt.Scenario().Name,
		opts:     opts,
		logger:   logger,
		active:   make(map[string]activeRun),
	}

	b := rt.Bus()
	busID := b.Subscribe(j.messagePublished)
	j.unsubs = append(j.unsubs, func() { b.Unsubscribe(busID) })

	for _, s := range rt.Sequences() {
		j.watchSequence(s)
	}
	for _, g := range rt.Groups() {
		j.watchGroup(g)
	}

	j.write("scenario.started", events.LogScenarioStarted(j.ctx, opts.Events, j.scenario))
	return j
}

func (j *Journal) watchSequence(s *sequence.Sequence) {
	startedID := s.SubscribeStarted(j.sequenceStarted)
	completedID := s.SubscribeCompleted(func(name string) {
		j.sequenceCompleted(name, s.Retired())
	})
	j.unsubs = append(j.unsubs, func() {
		s.UnsubscribeStarted(startedID)
		s.UnsubscribeCompleted(completedID)
	})
}

func (j *Journal) watchGroup(g *group.Group) {
	dispatchedID := g.SubscribeDispatched(j.groupDispatched)
	chainID := g.SubscribeChainCompleted(j.chainCompleted)
	j.unsubs = append(j.unsubs, func() {
		g.UnsubscribeDispatched(dispatchedID)
		g.UnsubscribeChainCompleted(chainID)
	})
}

func (j *Journal) messagePublished(name string) {
	j.write("message.published", events.LogMessagePublished(j.ctx, j.opts.Events, j.scenario, name))
}

func (j *Journal) sequenceStarted(run sequence.Run) {
	now := j.opts.Now()
	j.active[run.Sequence] = activeRun{id: run.RunID, started: now}

	j.write("sequence.started", events.LogSequenceStarted(j.ctx, j.opts.Events, j.scenario, run.Sequence, run.RunID, run.Forced))
	if j.opts.Runs == nil {
		return
	}
	j.write("run.start", j.opts.Runs.Start(j.ctx, &models.RunRecord{
		ID:        run.RunID,
		Scenario:  j.scenario,
		Sequence:  run.Sequence,
		Forced:    run.Forced,
		StartedAt: now,
	}))
}

func (j *Journal) sequenceCompleted(name string, retired bool) {
	now := j.opts.Now()
	run, ok := j.active[name]
	delete(j.active, name)

	var took time.Duration
	if ok {
		took = now.Sub(run.started)
	}
	j.write("sequence.completed", events.LogSequenceCompleted(j.ctx, j.opts.Events, j.scenario, name, run.id, took, retired))
	if j.opts.Runs == nil || !ok {
		return
	}
	j.write("run.finish", j.opts.Runs.Finish(j.ctx, run.id, models.RunStatusCompleted, now))
}

func (j *Journal) groupDispatched(sel group.Selection) {
	j.write("group.dispatched", events.LogGroupDispatched(j.ctx, j.opts.Events, j.scenario, sel.Group, sel.Policy.String(), sel.Started))
}

func (j *Journal) chainCompleted(name string) {
	j.write("group.chain_completed", events.LogChainCompleted(j.ctx, j.opts.Events, j.scenario, name))
}

// Active returns how many runs the journal has seen start but not finish.
func (j *Journal) Active() int {
	return len(j.active)
}

// Detach unsubscribes from the runtime, marks unfinished runs abandoned
// and records the scenario stopping. It is safe to call twice.
func (j *Journal) Detach() {
	if j.detached {
		return
	}
	j.detached = true

	for _, unsub := range j.unsubs {
		unsub()
	}
	j.unsubs = nil

	if j.opts.Runs != nil && len(j.active) > 0 {
		abandoned, err := j.opts.Runs.AbandonRunning(j.ctx, j.scenario, j.opts.Now())
		j.write("run.abandon", err)
		if err == nil {
			j.logger.Info().Int64("runs", abandoned).Msg("unfinished runs abandoned")
		}
	}
	j.active = make(map[string]activeRun)

	j.write("scenario.stopped", events.LogScenarioStopped(j.ctx, j.opts.Events, j.scenario))
}

func (j *Journal) write(what string, err error) {
	if err == nil {
		return
	}
	j.logger.Warn().Err(err).Str("entry", what).Msg("journal write failed")
}
