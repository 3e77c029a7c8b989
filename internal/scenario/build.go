package scenario

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencode-ai/sequencer/internal/actions"
	"github.com/opencode-ai/sequencer/internal/bus"
	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/group"
	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/sequence"
	"github.com/opencode-ai/sequencer/internal/trigger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrCycle reports sub-sequence steps that reference each other in a loop.
var ErrCycle = errors.New("sub-sequence cycle")

// Deps are the collaborators a built scenario runs against.
type Deps struct {
	// Bus carries messages. A nil Bus gets a fresh one owned by the Runtime;
	// a caller's bus is left open by Runtime.Close.
	Bus *bus.MessageBus

	// Clock measures elapsed triggers and delays. Required.
	Clock clock.Clock

	// Now feeds cron triggers. Default time.Now.
	Now func() time.Time

	// Roller drives random groups. Default math/rand/v2.
	Roller group.Roller

	// Logger is the parent logger for sequences, groups and log steps.
	Logger *zerolog.Logger

	// Tracer receives sequence run and group dispatch spans. Default is
	// the global otel provider.
	Tracer trace.TracerProvider
}

// Runtime is a built scenario: live sequences and groups sharing one bus.
type Runtime struct {
	scenario  *Scenario
	bus       *bus.MessageBus
	ownsBus   bool
	sequences []*sequence.Sequence
	byName    map[string]*sequence.Sequence
	groups    []*group.Group
	starters  []*sequence.Sequence
	tickers   []trigger.Ticker
	logger    zerolog.Logger
	closed    bool
}

// Build turns an already rendered scenario into a Runtime. Sub-sequence
// targets are built before the sequences that reference them; groups are
// built last.
func Build(scn *Scenario, deps Deps) (*Runtime, error) {
	if scn == nil {
		return nil, fmt.Errorf("scenario is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("scenario clock is required")
	}

	b := &builder{
		scn:   scn,
		deps:  deps,
		specs: make(map[string]*SequenceSpec, len(scn.Sequences)),
		built: make(map[string]*sequence.Sequence, len(scn.Sequences)),
		state: make(map[string]visit, len(scn.Sequences)),
	}
	b.logger = b.componentLogger("scenario")
	ownsBus := b.deps.Bus == nil
	if ownsBus {
		b.deps.Bus = bus.New(bus.WithLogger(b.componentLogger("bus")))
	}
	if b.deps.Now == nil {
		b.deps.Now = time.Now
	}
	for i := range scn.Sequences {
		b.specs[scn.Sequences[i].Name] = &scn.Sequences[i]
	}

	rt := &Runtime{
		scenario: scn,
		bus:      b.deps.Bus,
		ownsBus:  ownsBus,
		byName:   b.built,
		logger:   b.logger.With().Str("scenario", scn.Name).Logger(),
	}
	b.rt = rt

	for _, spec := range scn.Sequences {
		if _, err := b.sequence(spec.Name); err != nil {
			b.abort()
			return nil, err
		}
	}
	// declaration order, not build order
	for _, spec := range scn.Sequences {
		seq := b.built[spec.Name]
		rt.sequences = append(rt.sequences, seq)
		if spec.Start {
			rt.starters = append(rt.starters, seq)
		}
	}

	for _, spec := range scn.Groups {
		grp, err := b.group(spec)
		if err != nil {
			b.abort()
			return nil, err
		}
		rt.groups = append(rt.groups, grp)
	}

	return rt, nil
}

type visit int

const (
	unvisited visit = iota
	visiting
	visited
)

type builder struct {
	scn    *Scenario
	deps   Deps
	rt     *Runtime
	specs  map[string]*SequenceSpec
	built  map[string]*sequence.Sequence
	state  map[string]visit
	owned  []io.Closer
	logger zerolog.Logger
}

func (b *builder) sequence(name string) (*sequence.Sequence, error) {
	switch b.state[name] {
	case visited:
		return b.built[name], nil
	case visiting:
		return nil, fmt.Errorf("%w at %q", ErrCycle, name)
	}

	spec, ok := b.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSequence, name)
	}
	b.state[name] = visiting

	triggers, err := b.triggers(spec.Triggers)
	if err != nil {
		return nil, fmt.Errorf("sequence %q: %w", name, err)
	}

	acts := make([]actions.Action, 0, len(spec.Steps))
	for i, step := range spec.Steps {
		act, err := b.action(i, step)
		if err != nil {
			closeAll(triggers)
			return nil, fmt.Errorf("sequence %q step %d: %w", name, i+1, err)
		}
		acts = append(acts, act)
	}

	opts := []sequence.Option{
		sequence.WithRepeatable(spec.Repeatable),
		sequence.WithPriority(spec.Priority),
		sequence.WithLogger(b.componentLogger("sequence")),
	}
	if b.deps.Tracer != nil {
		opts = append(opts, sequence.WithTracer(b.deps.Tracer.Tracer(sequence.TracerName)))
	}
	if spec.AutoTrigger != nil {
		opts = append(opts, sequence.WithAutoTrigger(*spec.AutoTrigger))
	}
	if spec.Weight != nil {
		opts = append(opts, sequence.WithRandomWeight(*spec.Weight))
	}

	seq := sequence.New(name, acts, triggers, opts...)
	b.owned = append(b.owned, seq)
	b.built[name] = seq
	b.state[name] = visited
	return seq, nil
}

func (b *builder) action(index int, step StepSpec) (actions.Action, error) {
	meta := actions.At(index)
	if step.Order != nil {
		meta.Position = *step.Order
	}
	if step.Wait != nil {
		meta.WaitForCompletion = *step.Wait
	}

	switch step.Type {
	case StepTypeNoop:
		return actions.NewNoop(meta), nil

	case StepTypeLog:
		var levels actions.Levels
		for _, level := range step.Levels {
			switch level {
			case "info":
				levels.Info = true
			case "warn":
				levels.Warn = true
			case "error":
				levels.Error = true
			}
		}
		return actions.NewLog(meta, step.Text, levels, b.componentLogger("script")), nil

	case StepTypeDelay:
		d, err := parseDuration(step.Duration)
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		return actions.NewDelay(meta, b.deps.Clock, d), nil

	case StepTypePublish:
		return actions.NewPublish(meta, b.deps.Bus, step.Message), nil

	case StepTypeWait:
		return actions.NewWaitForMessage(meta, b.deps.Bus, step.Message), nil

	case StepTypeSequence:
		target, err := b.sequence(step.Target)
		if err != nil {
			return nil, err
		}
		return actions.NewSubSequence(meta, target, step.Force), nil

	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (b *builder) triggers(specs []TriggerSpec) ([]trigger.Trigger, error) {
	out := make([]trigger.Trigger, 0, len(specs))
	for i, spec := range specs {
		t, err := b.trigger(spec)
		if err != nil {
			closeAll(out)
			return nil, fmt.Errorf("trigger %d: %w", i+1, err)
		}
		out = append(out, t)
		if ticker, ok := t.(trigger.Ticker); ok {
			b.rt.tickers = append(b.rt.tickers, ticker)
		}
	}
	return out, nil
}

func (b *builder) trigger(spec TriggerSpec) (trigger.Trigger, error) {
	switch spec.Type {
	case TriggerTypeAlways:
		return trigger.Always{}, nil
	case TriggerTypeMessage:
		return trigger.NewMessage(b.deps.Bus, spec.Message), nil
	case TriggerTypeElapsed:
		d, err := parseDuration(spec.After)
		if err != nil {
			return nil, fmt.Errorf("elapsed: %w", err)
		}
		return trigger.NewElapsed(b.deps.Clock, d), nil
	case TriggerTypeCron:
		cron, err := trigger.NewCron(spec.Cron, b.deps.Now)
		if err != nil {
			return nil, err
		}
		return cron, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", spec.Type)
	}
}

func (b *builder) group(spec GroupSpec) (*group.Group, error) {
	policy, err := group.ParsePolicy(spec.Policy)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", spec.Name, err)
	}

	members := make([]group.Member, 0, len(spec.Members))
	for _, name := range spec.Members {
		seq, ok := b.built[name]
		if !ok {
			return nil, fmt.Errorf("group %q: %w %q", spec.Name, ErrUnknownSequence, name)
		}
		members = append(members, seq)
	}

	triggers, err := b.triggers(spec.Triggers)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", spec.Name, err)
	}

	opts := []group.Option{
		group.WithLogger(b.componentLogger("group")),
	}
	if b.deps.Roller != nil {
		opts = append(opts, group.WithRoller(b.deps.Roller))
	}
	if b.deps.Tracer != nil {
		opts = append(opts, group.WithTracer(b.deps.Tracer.Tracer(group.TracerName)))
	}
	grp := group.New(spec.Name, policy, members, triggers, opts...)
	b.owned = append(b.owned, grp)
	return grp, nil
}

func (b *builder) componentLogger(name string) zerolog.Logger {
	if b.deps.Logger == nil {
		return logging.Component(name)
	}
	return b.deps.Logger.With().Str("component", name).Logger()
}

// abort releases everything built so far, newest first.
func (b *builder) abort() {
	for i := len(b.owned) - 1; i >= 0; i-- {
		_ = b.owned[i].Close()
	}
}

func closeAll(triggers []trigger.Trigger) {
	for _, t := range triggers {
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func parseDuration(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

// Scenario returns the rendered scenario the runtime was built from.
func (r *Runtime) Scenario() *Scenario { return r.scenario }

// Bus returns the runtime's message bus.
func (r *Runtime) Bus() *bus.MessageBus { return r.bus }

// Sequences returns the sequences in declaration order.
func (r *Runtime) Sequences() []*sequence.Sequence {
	return append([]*sequence.Sequence(nil), r.sequences...)
}

// Sequence returns the named sequence, or nil.
func (r *Runtime) Sequence(name string) *sequence.Sequence {
	return r.byName[name]
}

// Groups returns the groups in declaration order.
func (r *Runtime) Groups() []*group.Group {
	return append([]*group.Group(nil), r.groups...)
}

// Group returns the named group, or nil.
func (r *Runtime) Group(name string) *group.Group {
	for _, g := range r.groups {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

// Start is the activation stimulus: every group is gate-checked and
// dispatched once, then every sequence marked start is gate-checked.
func (r *Runtime) Start() {
	if r.closed {
		return
	}
	r.logger.Info().
		Int("sequences", len(r.sequences)).
		Int("groups", len(r.groups)).
		Msg("scenario starting")

	for _, g := range r.groups {
		g.CheckTriggersAndDispatch()
	}
	for _, s := range r.starters {
		if !s.CheckTriggersAndRun() {
			r.logger.Debug().Str("sequence", s.Name()).Msg("start sequence gated")
		}
	}
}

// Tick implements trigger.Ticker by ticking every tickable trigger. It
// lets the whole runtime be registered with a director as one ticker.
func (r *Runtime) Tick() {
	if r.closed {
		return
	}
	for _, t := range r.tickers {
		t.Tick()
	}
}

// Publish sends name on the runtime's bus.
func (r *Runtime) Publish(name string) {
	r.bus.Publish(name)
}

// Settled reports whether nothing is running and no sequence that could
// still run remains: every sequence is retired or repeatable and idle.
func (r *Runtime) Settled() bool {
	for _, s := range r.sequences {
		if s.IsRunning() {
			return false
		}
		if !s.Retired() && !s.Repeatable() {
			return false
		}
	}
	for _, g := range r.groups {
		if g.Chaining() {
			return false
		}
	}
	return true
}

// Close tears down groups, then sequences, then the bus if the Runtime
// created it.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, g := range r.groups {
		errs = append(errs, g.Close())
	}
	for _, s := range r.sequences {
		errs = append(errs, s.Close())
	}
	if r.ownsBus {
		errs = append(errs, r.bus.Close())
	}

	r.logger.Debug().Msg("scenario closed")
	return errors.Join(errs...)
}
