package actions

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/opencode-ai/sequencer/internal/bus"
	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/notify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newBus() *bus.MessageBus {
	return bus.New(bus.WithLogger(zerolog.Nop()))
}

func TestSortedIsStable(t *testing.T) {
	a := NewNoop(At(1))
	a2 := NewNoop(At(1))
	b := NewNoop(At(0))
	in := []Action{a, a2, b}

	out := Sorted(in)
	require.Same(t, b, out[0])
	require.Same(t, a, out[1])
	require.Same(t, a2, out[2])
	require.Same(t, a, in[0], "input is left untouched")
}

func TestImmediateActionsComplete(t *testing.T) {
	called := 0
	for _, act := range []Action{
		NewNoop(At(0)),
		NewFunc(At(0), func() { called++ }),
		NewFunc(At(0), nil),
	} {
		done := 0
		act.Perform(func() { done++ })
		require.Equal(t, 1, done)
	}
	require.Equal(t, 1, called)
}

func TestLogWritesEachLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	act := NewLog(At(0), "hello", Levels{Info: true, Error: true}, logger)

	done := 0
	act.Perform(func() { done++ })
	require.Equal(t, 1, done)
	require.Equal(t, "hello", act.Text())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"level":"info"`)
	require.Contains(t, lines[1], `"level":"error"`)
}

func TestPublishSendsMessage(t *testing.T) {
	b := newBus()
	var got []string
	b.Subscribe(func(name string) { got = append(got, name) })

	act := NewPublish(At(0), b, "door.open")
	done := 0
	act.Perform(func() { done++ })

	require.Equal(t, []string{"door.open"}, got)
	require.Equal(t, 1, done)
	require.Equal(t, "door.open", act.Message())
}

func TestDelayCompletesAfterDuration(t *testing.T) {
	c := clock.NewManual()
	act := NewDelay(At(0), c, 3*time.Second)

	done := 0
	act.Perform(func() { done++ })
	c.Advance(2 * time.Second)
	require.Zero(t, done)

	c.Advance(time.Second)
	require.Equal(t, 1, done)
	require.Zero(t, c.Pending())
}

func TestDelayCloseCancels(t *testing.T) {
	c := clock.NewManual()
	act := NewDelay(At(0), c, time.Second)

	done := 0
	act.Perform(func() { done++ })
	require.NoError(t, act.Close())
	c.Advance(time.Minute)
	require.Zero(t, done)
}

func TestWaitForMessageCompletesOnMatch(t *testing.T) {
	b := newBus()
	act := NewWaitForMessage(At(0), b, "ready")

	done := 0
	act.Perform(func() { done++ })
	require.True(t, act.Pending())
	require.Equal(t, 1, b.Subscribers())

	b.Publish("other")
	require.Zero(t, done)

	b.Publish("ready")
	b.Publish("ready")
	require.Equal(t, 1, done)
	require.False(t, act.Pending())
	require.Zero(t, b.Subscribers())
}

func TestWaitForMessageCloseReleases(t *testing.T) {
	b := newBus()
	act := NewWaitForMessage(At(0), b, "ready")

	done := 0
	act.Perform(func() { done++ })
	require.NoError(t, act.Close())
	b.Publish("ready")
	require.Zero(t, done)
	require.Zero(t, b.Subscribers())
}

// fakeRunner is a Runner whose runs finish when the test says so.
type fakeRunner struct {
	name      string
	startable bool
	instant   bool
	running   bool
	starts    int
	forced    int
	completed notify.Signal[string]
}

func (f *fakeRunner) Name() string { return f.name }

func (f *fakeRunner) CheckTriggersAndRun() bool {
	if !f.startable || f.running {
		return false
	}
	return f.begin()
}

func (f *fakeRunner) ForcePerformEvents() bool {
	if f.running {
		return false
	}
	f.forced++
	return f.begin()
}

func (f *fakeRunner) begin() bool {
	f.starts++
	f.running = true
	if f.instant {
		f.finish()
	}
	return true
}

func (f *fakeRunner) finish() {
	f.running = false
	f.completed.Notify(f.name)
}

func (f *fakeRunner) SubscribeCompleted(fn func(string)) notify.ID {
	return f.completed.Subscribe(fn)
}

func (f *fakeRunner) UnsubscribeCompleted(id notify.ID) {
	f.completed.Unsubscribe(id)
}

func TestSubSequenceWaitsForNestedRun(t *testing.T) {
	runner := &fakeRunner{name: "inner", startable: true}
	act := NewSubSequence(At(0), runner, false)
	require.Equal(t, "inner", act.Target())

	done := 0
	act.Perform(func() { done++ })
	require.Equal(t, 1, runner.starts)
	require.Zero(t, done)

	runner.finish()
	require.Equal(t, 1, done)
	require.Zero(t, runner.completed.Len(), "completion listener is released")
}

func TestSubSequenceWithoutWaitCompletesImmediately(t *testing.T) {
	runner := &fakeRunner{name: "inner", startable: true}
	act := NewSubSequence(Meta{Position: 0}, runner, false)

	done := 0
	act.Perform(func() { done++ })
	require.Equal(t, 1, runner.starts)
	require.Equal(t, 1, done)

	runner.finish()
	require.Equal(t, 1, done)
}

func TestSubSequenceNotStartedCompletesImmediately(t *testing.T) {
	runner := &fakeRunner{name: "inner"}
	act := NewSubSequence(At(0), runner, false)

	done := 0
	act.Perform(func() { done++ })
	require.Zero(t, runner.starts)
	require.Equal(t, 1, done)
	require.Zero(t, runner.completed.Len())
}

func TestSubSequenceForcedInstantRun(t *testing.T) {
	runner := &fakeRunner{name: "inner", instant: true}
	act := NewSubSequence(At(0), runner, true)

	done := 0
	act.Perform(func() { done++ })
	require.Equal(t, 1, runner.forced)
	require.Equal(t, 1, done, "a run finishing inside start completes once")
}

func TestSubSequenceCloseDropsPendingCompletion(t *testing.T) {
	runner := &fakeRunner{name: "inner", startable: true}
	act := NewSubSequence(At(0), runner, false)

	done := 0
	act.Perform(func() { done++ })
	require.NoError(t, act.Close())
	runner.finish()
	require.Zero(t, done)
}
