// Package group selects which member sequences run under a dispatch policy.
//
// Like sequences, a Group is driven from a single goroutine.
package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/notify"
	"github.com/opencode-ai/sequencer/internal/trigger"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoMembers is logged when a selecting policy has nothing to select.
	ErrNoMembers = errors.New("group has no members")

	// ErrUnknownPolicy is returned by ParsePolicy.
	ErrUnknownPolicy = errors.New("unknown group policy")
)

// TracerName names the tracer for dispatch spans.
const TracerName = "github.com/opencode-ai/sequencer/group"

// Policy decides how a group dispatches its members.
type Policy int

const (
	// Priority tries members by ascending priority until one starts.
	Priority Policy = iota
	// Most forces the member with the most satisfied triggers.
	Most
	// Instant gate-checks every member independently.
	Instant
	// Random forces one eligible member chosen by weight.
	Random
	// Chain runs members one after another in list order.
	Chain
)

var policyNames = map[Policy]string{
	Priority: "priority",
	Most:     "most",
	Instant:  "instant",
	Random:   "random",
	Chain:    "sequence",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a case-insensitive policy name to a Policy. "chain" is
// accepted as an alias for "sequence".
func ParsePolicy(name string) (Policy, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "chain" {
		return Chain, nil
	}
	for p, n := range policyNames {
		if n == normalized {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// Member is the view of a sequence a group needs.
type Member interface {
	Name() string
	Priority() int
	RandomWeight() int
	CheckTriggersAndRun() bool
	ForcePerformEvents() bool
	CheckTriggersMet() int
	CheckAllTriggersMet() bool
	Retired() bool
	SubscribeCompleted(fn func(name string)) notify.ID
	UnsubscribeCompleted(id notify.ID)
}

// Roller draws uniform integers in [0, n). *rand.Rand from math/rand/v2
// satisfies it.
type Roller interface {
	IntN(n int) int
}

type globalRoller struct{}

func (globalRoller) IntN(n int) int { return rand.IntN(n) }

// Selection reports the outcome of one dispatch.
type Selection struct {
	Group   string
	Policy  Policy
	Started []string
}

type gateSub struct {
	notifier trigger.Notifier
	id       notify.ID
}

// Group is a policy-driven selector over member sequences.
type Group struct {
	name     string
	policy   Policy
	members  []Member
	triggers []trigger.Trigger

	gateSubs []gateSub
	closed   bool

	chainCursor int
	chainSub    notify.ID
	chainMember Member
	chainToken  uint64

	dispatched     notify.Signal[Selection]
	chainCompleted notify.Signal[string]

	roller Roller
	logger zerolog.Logger
	tracer trace.Tracer
}

// Option configures a Group.
type Option func(*Group)

// WithRoller sets the random source for the Random policy.
func WithRoller(r Roller) Option {
	return func(g *Group) {
		if r != nil {
			g.roller = r
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// WithTracer overrides the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Group) {
		g.tracer = tracer
	}
}

// New builds a Group. Members are referenced, not owned. The gating
// triggers are owned and closed with the group; a push from any of them
// re-checks every gate and dispatches when all hold.
func New(name string, policy Policy, members []Member, triggers []trigger.Trigger, opts ...Option) *Group {
	g := &Group{
		name:     name,
		policy:   policy,
		members:  append([]Member(nil), members...),
		triggers: append([]trigger.Trigger(nil), triggers...),
		roller:   globalRoller{},
		logger:   logging.Component("group"),
		tracer:   otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("group", name).Str("policy", policy.String()).Logger()

	for _, t := range g.triggers {
		if n, ok := t.(trigger.Notifier); ok {
			g.gateSubs = append(g.gateSubs, gateSub{notifier: n, id: n.OnSatisfied(g.handleGate)})
		}
	}
	return g
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Policy returns the dispatch policy.
func (g *Group) Policy() Policy { return g.policy }

// Members returns the members in declaration order.
func (g *Group) Members() []Member {
	return append([]Member(nil), g.members...)
}

// Triggers returns the gating triggers.
func (g *Group) Triggers() []trigger.Trigger {
	return append([]trigger.Trigger(nil), g.triggers...)
}

// ChainCursor returns the index of the active chain member. It equals the
// member count once a chain has ended.
func (g *Group) ChainCursor() int { return g.chainCursor }

// Chaining reports whether a chain is waiting on a member.
func (g *Group) Chaining() bool { return g.chainSub != 0 }

// GatesMet reports whether every gating trigger holds.
func (g *Group) GatesMet() bool {
	return trigger.All(g.triggers)
}

// CheckTriggersAndDispatch dispatches when every gating trigger holds.
func (g *Group) CheckTriggersAndDispatch() bool {
	if g.closed || !g.GatesMet() {
		return false
	}
	return g.Dispatch()
}

// Dispatch applies the policy without consulting the gating triggers and
// reports whether any member started.
func (g *Group) Dispatch() bool {
	if g.closed {
		return false
	}

	_, span := g.tracer.Start(context.Background(), "group.dispatch",
		trace.WithAttributes(
			attribute.String("group.name", g.name),
			attribute.String("group.policy", g.policy.String()),
			attribute.Int("group.members", len(g.members)),
		))
	defer span.End()

	if len(g.members) == 0 {
		if g.policy == Instant {
			g.logger.Debug().Msg("instant group has no members")
			return false
		}
		g.logger.Error().Err(ErrNoMembers).Msg("dispatch aborted")
		span.SetStatus(codes.Error, ErrNoMembers.Error())
		return false
	}

	var started []string
	switch g.policy {
	case Priority:
		started = g.dispatchPriority()
	case Most:
		started = g.dispatchMost()
	case Instant:
		started = g.dispatchInstant()
	case Random:
		started = g.dispatchRandom()
	case Chain:
		started = g.dispatchChain()
	default:
		g.logger.Error().Msg("dispatch aborted: unknown policy")
		span.SetStatus(codes.Error, "unknown policy")
		return false
	}

	span.SetAttributes(attribute.StringSlice("group.started", started))
	g.logger.Debug().Strs("started", started).Msg("group dispatched")
	g.dispatched.Notify(Selection{Group: g.name, Policy: g.policy, Started: started})
	return len(started) > 0
}

func (g *Group) dispatchPriority() []string {
	ordered := append([]Member(nil), g.members...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() < ordered[j].Priority()
	})
	for _, m := range ordered {
		if m.CheckTriggersAndRun() {
			return []string{m.Name()}
		}
	}
	return nil
}

func (g *Group) dispatchMost() []string {
	best := -1
	var winner Member
	for _, m := range g.members {
		if met := m.CheckTriggersMet(); met > best {
			best = met
			winner = m
		}
	}
	if winner.ForcePerformEvents() {
		return []string{winner.Name()}
	}
	return nil
}

func (g *Group) dispatchInstant() []string {
	var started []string
	for _, m := range g.members {
		if m.CheckTriggersAndRun() {
			started = append(started, m.Name())
		}
	}
	return started
}

func (g *Group) dispatchRandom() []string {
	var eligible []Member
	total := 0
	for _, m := range g.members {
		w := m.RandomWeight()
		if w <= 0 || !m.CheckAllTriggersMet() {
			continue
		}
		eligible = append(eligible, m)
		total += w
	}
	if len(eligible) == 0 {
		g.logger.Debug().Msg("no eligible member")
		return nil
	}

	// inclusive of total
	roll := g.roller.IntN(total + 1)
	cumulative := 0
	for _, m := range eligible {
		cumulative += m.RandomWeight()
		if cumulative >= roll {
			g.logger.Debug().Int("roll", roll).Int("total", total).Str("selected", m.Name()).Msg("random pick")
			if m.ForcePerformEvents() {
				return []string{m.Name()}
			}
			return nil
		}
	}
	return nil
}

func (g *Group) dispatchChain() []string {
	if g.chainSub != 0 {
		g.logger.Debug().Int("cursor", g.chainCursor).Msg("restarting chain")
	}
	g.releaseChain()
	g.chainCursor = 0
	if name, ok := g.startChainMember(); ok {
		return []string{name}
	}
	return nil
}

// startChainMember subscribes to the first member at or after the chain
// cursor before gate-checking it, since a member may complete inside its
// own start. Retired members never complete again and are skipped; running
// off the end completes the chain.
func (g *Group) startChainMember() (string, bool) {
	for ; g.chainCursor < len(g.members); g.chainCursor++ {
		m := g.members[g.chainCursor]
		if m.Retired() {
			g.logger.Warn().Str("member", m.Name()).Msg("skipping retired chain member")
			continue
		}

		token := g.chainToken
		g.chainMember = m
		g.chainSub = m.SubscribeCompleted(func(string) {
			g.chainMemberCompleted(token)
		})
		started := m.CheckTriggersAndRun()
		if !started {
			g.logger.Debug().Str("member", m.Name()).Msg("chain member did not start; waiting for its completion")
		}
		return m.Name(), started
	}

	g.logger.Debug().Msg("chain completed")
	g.chainCompleted.Notify(g.name)
	return "", false
}

func (g *Group) chainMemberCompleted(token uint64) {
	if token != g.chainToken || g.closed {
		return
	}
	g.releaseChain()
	g.chainCursor++
	g.startChainMember()
}

func (g *Group) releaseChain() {
	if g.chainMember != nil && g.chainSub != 0 {
		g.chainMember.UnsubscribeCompleted(g.chainSub)
	}
	g.chainMember = nil
	g.chainSub = 0
	g.chainToken++
}

// SubscribeDispatched registers fn for every dispatch outcome.
func (g *Group) SubscribeDispatched(fn func(Selection)) notify.ID {
	return g.dispatched.Subscribe(fn)
}

// UnsubscribeDispatched removes a dispatch listener.
func (g *Group) UnsubscribeDispatched(id notify.ID) {
	g.dispatched.Unsubscribe(id)
}

// SubscribeChainCompleted registers fn for the end of a Chain run. fn
// receives the group name.
func (g *Group) SubscribeChainCompleted(fn func(name string)) notify.ID {
	return g.chainCompleted.Subscribe(fn)
}

// UnsubscribeChainCompleted removes a chain listener.
func (g *Group) UnsubscribeChainCompleted(id notify.ID) {
	g.chainCompleted.Unsubscribe(id)
}

// Close releases every subscription and closes the gating triggers.
// Members are left to their owner.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.releaseChain()

	for _, sub := range g.gateSubs {
		sub.notifier.RemoveSatisfied(sub.id)
	}
	g.gateSubs = nil
	for _, t := range g.triggers {
		if c, ok := t.(io.Closer); ok {
			if err := c.Close(); err != nil {
				g.logger.Warn().Err(err).Msg("failed to close trigger")
			}
		}
	}

	g.dispatched.Clear()
	g.chainCompleted.Clear()
	return nil
}

func (g *Group) handleGate() {
	if g.closed {
		return
	}
	g.CheckTriggersAndDispatch()
}
