package director

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDirector(cfg Config) *Director {
	return New(cfg, WithLogger(zerolog.Nop()))
}

type countingTicker struct {
	ticks atomic.Int64
}

func (c *countingTicker) Tick() { c.ticks.Add(1) }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.TickInterval != 100*time.Millisecond {
		t.Errorf("expected TickInterval 100ms, got %v", cfg.TickInterval)
	}
	if cfg.QueueSize != 256 {
		t.Errorf("expected QueueSize 256, got %d", cfg.QueueSize)
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	d := newTestDirector(Config{})

	if d.Config().TickInterval != DefaultConfig().TickInterval {
		t.Errorf("expected default TickInterval, got %v", d.Config().TickInterval)
	}
	if d.Config().QueueSize != DefaultConfig().QueueSize {
		t.Errorf("expected default QueueSize, got %d", d.Config().QueueSize)
	}
}

func TestDirector_StartStop(t *testing.T) {
	d := newTestDirector(Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start director: %v", err)
	}

	stats := d.Stats()
	if !stats.Running {
		t.Error("expected director to be running")
	}
	if stats.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}

	if err := d.Start(ctx); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("failed to stop director: %v", err)
	}
	if d.Stats().Running {
		t.Error("expected director to be stopped")
	}
	if err := d.Stop(); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestDirector_PostRequiresRunning(t *testing.T) {
	d := newTestDirector(DefaultConfig())

	if err := d.Post(func() {}); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := d.Do(func() {}); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestDirector_PostRunsInOrder(t *testing.T) {
	d := newTestDirector(DefaultConfig())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, d.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.NoError(t, d.Do(func() { snapshot = append(snapshot, got...) }))
	require.Equal(t, []int{0, 1, 2, 3, 4}, snapshot)
}

func TestDirector_PanicIsContained(t *testing.T) {
	d := newTestDirector(DefaultConfig())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, d.Post(func() { panic("boom") }))

	ran := false
	require.NoError(t, d.Do(func() { ran = true }))
	require.True(t, ran)
	require.Equal(t, int64(1), d.Stats().Panics)
}

func TestDirector_TicksRegisteredTickers(t *testing.T) {
	d := newTestDirector(Config{TickInterval: 5 * time.Millisecond})
	ticker := &countingTicker{}
	id := d.AddTicker(ticker)
	require.Equal(t, 1, d.Stats().Tickers)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool {
		return ticker.ticks.Load() >= 3
	}, time.Second, 5*time.Millisecond)

	d.RemoveTicker(id)
	d.RemoveTicker(id)
	require.Equal(t, 0, d.Stats().Tickers)
}

func TestDirector_PauseSkipsTicks(t *testing.T) {
	d := newTestDirector(Config{TickInterval: 5 * time.Millisecond})

	if err := d.Pause(); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}

	ticker := &countingTicker{}
	d.AddTicker(ticker)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, d.Pause())
	require.NoError(t, d.Pause())
	require.True(t, d.Stats().Paused)

	// drain a tick that may have raced with Pause
	require.NoError(t, d.Do(func() {}))
	before := ticker.ticks.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, before, ticker.ticks.Load())

	ran := false
	require.NoError(t, d.Do(func() { ran = true }))
	require.True(t, ran, "posts still run while paused")

	require.NoError(t, d.Resume())
	require.Eventually(t, func() bool {
		return ticker.ticks.Load() > before
	}, time.Second, 5*time.Millisecond)
}

func TestDirector_AfterFuncRunsOnLoop(t *testing.T) {
	d := newTestDirector(DefaultConfig())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	fired := make(chan struct{})
	d.AfterFunc(5*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.Greater(t, d.Since(), time.Duration(0))
}

func TestDirector_StoppedTimerNeverRuns(t *testing.T) {
	d := newTestDirector(DefaultConfig())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	var fired atomic.Bool
	var timerStopped bool
	require.NoError(t, d.Do(func() {
		tm := d.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
		timerStopped = tm.Stop()
	}))
	require.True(t, timerStopped)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, d.Do(func() {}))
	require.False(t, fired.Load())
}

func TestDirector_SinceBeforeStart(t *testing.T) {
	d := newTestDirector(DefaultConfig())
	require.Zero(t, d.Since())
}
