package sequence

import (
	"testing"
	"time"

	"github.com/opencode-ai/sequencer/internal/actions"
	"github.com/opencode-ai/sequencer/internal/bus"
	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/trigger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordAction appends its label when performed and completes at once.
type recordAction struct {
	actions.Meta
	label string
	log   *[]string
}

func (r *recordAction) Perform(done func()) {
	*r.log = append(*r.log, r.label)
	done()
}

// heldAction stays pending until the test calls finish.
type heldAction struct {
	actions.Meta
	performed int
	done      func()
	closed    bool
}

func (h *heldAction) Perform(done func()) {
	h.performed++
	h.done = done
}

func (h *heldAction) finish() {
	h.done()
}

func (h *heldAction) Close() error {
	h.closed = true
	return nil
}

func newTestSequence(name string, acts []actions.Action, triggers []trigger.Trigger, opts ...Option) *Sequence {
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(name, acts, triggers, opts...)
}

func record(order int, label string, log *[]string) actions.Action {
	return &recordAction{Meta: actions.At(order), label: label, log: log}
}

func TestEmptyTriggerListAlwaysStarts(t *testing.T) {
	var log []string
	seq := newTestSequence("vacuous", []actions.Action{record(0, "a", &log)}, nil, WithRepeatable(true))

	for i := 0; i < 3; i++ {
		require.True(t, seq.CheckTriggersAndRun())
	}
	require.Equal(t, []string{"a", "a", "a"}, log)
}

func TestStableOrdering(t *testing.T) {
	var log []string
	seq := newTestSequence("ordered", []actions.Action{
		record(2, "b", &log),
		record(1, "a", &log),
		record(1, "a2", &log),
	}, nil)

	require.True(t, seq.CheckTriggersAndRun())
	require.Equal(t, []string{"a", "a2", "b"}, log)
}

func TestUnsatisfiedTriggerBlocksRun(t *testing.T) {
	flag := trigger.NewFlag()
	var log []string
	seq := newTestSequence("gated", []actions.Action{record(0, "a", &log)},
		[]trigger.Trigger{flag, trigger.Always{}}, WithAutoTrigger(false))

	require.False(t, seq.CheckTriggersAndRun())
	require.Equal(t, 1, seq.CheckTriggersMet())
	require.False(t, seq.CheckAllTriggersMet())
	require.Empty(t, log)

	flag.Set()
	require.Equal(t, 2, seq.CheckTriggersMet())
	require.True(t, seq.CheckTriggersAndRun())
	require.Equal(t, []string{"a"}, log)
}

func TestNoReentrantRunWhileRunning(t *testing.T) {
	flag := trigger.NewFlag()
	held := &heldAction{Meta: actions.At(0)}
	seq := newTestSequence("busy", []actions.Action{held}, []trigger.Trigger{flag}, WithRepeatable(true))

	flag.Set() // auto-trigger push
	require.True(t, seq.IsRunning())
	require.Equal(t, 1, held.performed)

	require.False(t, seq.CheckTriggersAndRun())
	require.False(t, seq.ForcePerformEvents())
	flag.Clear()
	flag.Set()
	require.Equal(t, 1, held.performed, "second start must not happen while running")

	held.finish()
	require.False(t, seq.IsRunning())
	require.Equal(t, 0, seq.Cursor())
}

func TestNonRepeatableCompletesOnceAndRetires(t *testing.T) {
	flag := trigger.NewFlag()
	held := &heldAction{Meta: actions.At(0)}
	seq := newTestSequence("once", []actions.Action{held}, []trigger.Trigger{flag})

	var completions []string
	seq.SubscribeCompleted(func(name string) { completions = append(completions, name) })

	flag.Set()
	held.finish()
	require.Equal(t, []string{"once"}, completions)
	require.True(t, seq.Retired())
	require.True(t, held.closed, "owned actions are released on retirement")
	require.Zero(t, flag.Listeners(), "trigger subscriptions are released on retirement")

	require.False(t, seq.CheckTriggersAndRun())
	require.False(t, seq.ForcePerformEvents())
	flag.Clear()
	flag.Set()
	require.Equal(t, 1, held.performed)
	require.Equal(t, []string{"once"}, completions)
}

func TestRepeatableResetsCursor(t *testing.T) {
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	msg := trigger.NewMessage(b, "go")
	var log []string
	seq := newTestSequence("again", []actions.Action{
		record(0, "a", &log),
		record(1, "b", &log),
	}, []trigger.Trigger{msg}, WithRepeatable(true))

	completions := 0
	seq.SubscribeCompleted(func(string) { completions++ })

	b.Publish("go")
	require.Equal(t, 0, seq.Cursor())
	require.False(t, seq.IsRunning())

	b.Publish("go")
	require.Equal(t, []string{"a", "b", "a", "b"}, log)
	require.Equal(t, 2, completions)
	require.False(t, seq.Retired())
}

func TestAutoTriggerRechecksAllTriggers(t *testing.T) {
	b := bus.New(bus.WithLogger(zerolog.Nop()))
	first := trigger.NewMessage(b, "first")
	second := trigger.NewMessage(b, "second")
	var log []string
	newTestSequence("joint", []actions.Action{record(0, "run", &log)},
		[]trigger.Trigger{first, second})

	b.Publish("first")
	require.Empty(t, log, "one of two triggers is not enough")

	b.Publish("second")
	require.Equal(t, []string{"run"}, log)
}

func TestAutoTriggerDisabled(t *testing.T) {
	flag := trigger.NewFlag()
	var log []string
	seq := newTestSequence("manual", []actions.Action{record(0, "a", &log)},
		[]trigger.Trigger{flag}, WithAutoTrigger(false))

	flag.Set()
	require.Empty(t, log)
	require.True(t, seq.CheckTriggersAndRun())
	require.Equal(t, []string{"a"}, log)
}

func TestForceBypassesTriggers(t *testing.T) {
	var log []string
	never := trigger.Func(func() bool { return false })
	seq := newTestSequence("forced", []actions.Action{record(0, "a", &log)}, []trigger.Trigger{never})

	var runs []Run
	seq.SubscribeStarted(func(r Run) { runs = append(runs, r) })

	require.False(t, seq.CheckTriggersAndRun())
	require.True(t, seq.ForcePerformEvents())
	require.Equal(t, []string{"a"}, log)
	require.Len(t, runs, 1)
	require.True(t, runs[0].Forced)
	require.NotEmpty(t, runs[0].RunID)
}

func TestEventsWaitForPriorCompletion(t *testing.T) {
	c := clock.NewManual()
	var log []string
	seq := newTestSequence("delayed", []actions.Action{
		record(0, "before", &log),
		actions.NewDelay(actions.At(1), c, 2*time.Second),
		record(2, "after", &log),
	}, nil)

	require.True(t, seq.CheckTriggersAndRun())
	require.Equal(t, []string{"before"}, log)
	require.Equal(t, 1, seq.Cursor())

	c.Advance(time.Second)
	require.Equal(t, []string{"before"}, log)

	c.Advance(time.Second)
	require.Equal(t, []string{"before", "after"}, log)
	require.True(t, seq.Retired())
}

func TestEmptySequenceCompletesImmediately(t *testing.T) {
	seq := newTestSequence("empty", nil, nil)
	completions := 0
	seq.SubscribeCompleted(func(string) { completions++ })

	require.True(t, seq.CheckTriggersAndRun())
	require.Equal(t, 1, completions)
	require.False(t, seq.IsRunning())
}

func TestDoubleCompletionIgnored(t *testing.T) {
	var log []string
	held := &heldAction{Meta: actions.At(0)}
	seq := newTestSequence("twice", []actions.Action{
		held,
		record(1, "next", &log),
		&heldAction{Meta: actions.At(2)},
	}, nil)

	require.True(t, seq.CheckTriggersAndRun())
	saved := held.done
	saved()
	saved()
	require.Equal(t, []string{"next"}, log)
	require.Equal(t, 2, seq.Cursor())
}

func TestCloseMidRunDropsLateCompletion(t *testing.T) {
	flag := trigger.NewFlag()
	held := &heldAction{Meta: actions.At(0)}
	seq := newTestSequence("closed", []actions.Action{held}, []trigger.Trigger{flag})
	completions := 0
	seq.SubscribeCompleted(func(string) { completions++ })

	flag.Set()
	require.True(t, seq.IsRunning())

	require.NoError(t, seq.Close())
	require.NoError(t, seq.Close())
	require.True(t, held.closed)
	require.Zero(t, flag.Listeners())

	held.finish()
	require.Zero(t, completions)
	require.False(t, seq.IsRunning())
	require.False(t, seq.ForcePerformEvents())
}

func TestRandomWeightClamp(t *testing.T) {
	seq := newTestSequence("w", nil, nil, WithRandomWeight(-4), WithPriority(3))
	require.Equal(t, 0, seq.RandomWeight())
	require.Equal(t, 3, seq.Priority())

	def := newTestSequence("d", nil, nil)
	require.Equal(t, 1, def.RandomWeight())
	require.True(t, def.AutoTrigger())
	require.False(t, def.Repeatable())
}

func TestCursorOutOfRangeAbortsRun(t *testing.T) {
	var log []string
	seq := newTestSequence("broken", []actions.Action{record(0, "a", &log)}, nil, WithRepeatable(true))
	started := 0
	seq.SubscribeStarted(func(Run) { started++ })

	for _, cursor := range []int{1, -1} {
		seq.cursor = cursor
		require.False(t, seq.CheckTriggersAndRun())
		require.False(t, seq.ForcePerformEvents())
		require.False(t, seq.IsRunning())
	}
	require.Empty(t, log)
	require.Zero(t, started)

	seq.cursor = 0
	require.True(t, seq.CheckTriggersAndRun())
	require.Equal(t, []string{"a"}, log)
}

func newSpanRecorder() (*tracetest.SpanRecorder, Option) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return rec, WithTracer(tp.Tracer(TracerName))
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestRunSpanRecordsCompletion(t *testing.T) {
	rec, withTracer := newSpanRecorder()
	var log []string
	seq := newTestSequence("traced", []actions.Action{record(0, "a", &log)}, nil, withTracer)
	var run Run
	seq.SubscribeStarted(func(r Run) { run = r })

	require.True(t, seq.ForcePerformEvents())

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "sequence.run", spans[0].Name())
	attrs := spanAttrs(spans[0])
	require.Equal(t, "traced", attrs["sequence.name"].AsString())
	require.Equal(t, run.RunID, attrs["sequence.run_id"].AsString())
	require.True(t, attrs["sequence.forced"].AsBool())
	require.True(t, attrs["sequence.completed"].AsBool())
}

func TestRunSpanEndsIncompleteOnClose(t *testing.T) {
	rec, withTracer := newSpanRecorder()
	held := &heldAction{Meta: actions.At(0)}
	seq := newTestSequence("cut", []actions.Action{held}, nil, withTracer)

	require.True(t, seq.CheckTriggersAndRun())
	require.Empty(t, rec.Ended())
	require.Len(t, rec.Started(), 1)

	require.NoError(t, seq.Close())
	spans := rec.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	require.False(t, attrs["sequence.forced"].AsBool())
	require.False(t, attrs["sequence.completed"].AsBool())
	require.True(t, held.closed)
}
