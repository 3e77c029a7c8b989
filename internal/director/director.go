// Package director provides the host loop that drives sequences and groups.
//
// Every posted closure, timer callback and ticker runs on the director's
// single loop goroutine, so the engine packages never need locks of their
// own.
package director

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/sequencer/internal/clock"
	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/trigger"
	"github.com/rs/zerolog"
)

// Director errors.
var (
	ErrAlreadyRunning = errors.New("director already running")
	ErrNotRunning     = errors.New("director not running")
)

// Config contains director configuration.
type Config struct {
	// TickInterval is how often registered tickers are polled.
	// Default: 100 milliseconds.
	TickInterval time.Duration

	// QueueSize bounds the number of posted closures waiting for the loop.
	// Default: 256.
	QueueSize int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: 100 * time.Millisecond,
		QueueSize:    256,
	}
}

// Stats contains director statistics.
type Stats struct {
	// Running indicates if the loop is active.
	Running bool

	// Paused indicates if ticks are suspended.
	Paused bool

	// StartedAt is when the loop was started.
	StartedAt *time.Time

	// Ticks is the number of tick cycles run.
	Ticks int64

	// Executed is the number of callbacks run on the loop, ticks included.
	Executed int64

	// Panics is the number of callbacks that panicked.
	Panics int64

	// Tickers is the number of registered tickers.
	Tickers int
}

var _ clock.Clock = (*Director)(nil)

// TickerID identifies a registered ticker.
type TickerID uint64

// Director serializes engine callbacks onto one goroutine.
type Director struct {
	config Config
	logger zerolog.Logger

	mu        sync.RWMutex
	running   bool
	paused    bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	queue     chan func()
	startedAt time.Time
	tickers   map[TickerID]trigger.Ticker
	order     []TickerID
	nextID    TickerID

	stats   Stats
	statsMu sync.RWMutex
}

// Option configures a Director.
type Option func(*Director)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Director) {
		d.logger = logger
	}
}

// New creates a new Director.
func New(config Config, opts ...Option) *Director {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	d := &Director{
		config:  config,
		logger:  logging.Component("director"),
		queue:   make(chan func(), config.QueueSize),
		tickers: make(map[TickerID]trigger.Ticker),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Director) Config() Config {
	return d.config
}

// Start begins the loop.
func (d *Director) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.paused = false
	d.startedAt = time.Now()

	now := d.startedAt.UTC()
	d.statsMu.Lock()
	d.stats.Running = true
	d.stats.Paused = false
	d.stats.StartedAt = &now
	d.statsMu.Unlock()

	d.logger.Info().
		Dur("tick_interval", d.config.TickInterval).
		Int("queue_size", d.config.QueueSize).
		Msg("director starting")

	d.wg.Add(1)
	go d.runLoop()

	return nil
}

// Stop halts the loop and waits for it to exit. Closures still queued are
// dropped.
func (d *Director) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}

	d.logger.Info().Msg("director stopping")
	d.cancel()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()

	d.statsMu.Lock()
	d.stats.Running = false
	d.statsMu.Unlock()

	d.logger.Info().Msg("director stopped")
	return nil
}

// Pause suspends ticks. Posted closures keep running so pending waits can
// still complete.
func (d *Director) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrNotRunning
	}
	if d.paused {
		return nil
	}

	d.paused = true
	d.statsMu.Lock()
	d.stats.Paused = true
	d.statsMu.Unlock()

	d.logger.Info().Msg("director paused")
	return nil
}

// Resume resumes ticks.
func (d *Director) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrNotRunning
	}
	if !d.paused {
		return nil
	}

	d.paused = false
	d.statsMu.Lock()
	d.stats.Paused = false
	d.statsMu.Unlock()

	d.logger.Info().Msg("director resumed")
	return nil
}

// Post queues fn to run on the loop. It blocks while the queue is full, so
// it must not be called from the loop itself under sustained load.
func (d *Director) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	d.mu.RLock()
	running := d.running
	ctx := d.ctx
	d.mu.RUnlock()

	if !running {
		return ErrNotRunning
	}

	select {
	case d.queue <- fn:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

// Do runs fn on the loop and waits for it to return. Calling Do from the
// loop deadlocks.
func (d *Director) Do(fn func()) error {
	done := make(chan struct{})
	if err := d.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}

	d.mu.RLock()
	ctx := d.ctx
	d.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrNotRunning
	}
}

// AddTicker registers t to be ticked every TickInterval.
func (d *Director) AddTicker(t trigger.Ticker) TickerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.tickers[id] = t
	d.order = append(d.order, id)

	d.statsMu.Lock()
	d.stats.Tickers = len(d.tickers)
	d.statsMu.Unlock()
	return id
}

// RemoveTicker unregisters a ticker. Unknown IDs are ignored.
func (d *Director) RemoveTicker(id TickerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.tickers[id]; !ok {
		return
	}
	delete(d.tickers, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}

	d.statsMu.Lock()
	d.stats.Tickers = len(d.tickers)
	d.statsMu.Unlock()
}

// Stats returns current director statistics.
func (d *Director) Stats() Stats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.stats
}

// Since implements clock.Clock: the time elapsed since Start, or zero
// before the first Start.
func (d *Director) Since() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.startedAt.IsZero() {
		return 0
	}
	return time.Since(d.startedAt)
}

// AfterFunc implements clock.Clock. fn runs on the loop.
func (d *Director) AfterFunc(delay time.Duration, fn func()) clock.Timer {
	t := &timer{}
	t.t = time.AfterFunc(delay, func() {
		err := d.Post(func() {
			if !t.stopped.Load() {
				fn()
			}
		})
		if err != nil {
			d.logger.Debug().Err(err).Dur("delay", delay).Msg("timer fired after director stopped")
		}
	})
	return t
}

type timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// Stop prevents fn from running, even if the timer already fired and its
// callback is waiting in the queue.
func (t *timer) Stop() bool {
	wasActive := !t.stopped.Swap(true)
	return t.t.Stop() && wasActive
}

// runLoop is the main loop.
func (d *Director) runLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case fn := <-d.queue:
			d.execute(fn)

		case <-ticker.C:
			d.mu.RLock()
			paused := d.paused
			d.mu.RUnlock()

			if !paused {
				d.tick()
			}
		}
	}
}

// tick polls every registered ticker once, in registration order.
func (d *Director) tick() {
	d.mu.RLock()
	tickers := make([]trigger.Ticker, 0, len(d.order))
	for _, id := range d.order {
		tickers = append(tickers, d.tickers[id])
	}
	d.mu.RUnlock()

	for _, t := range tickers {
		d.execute(t.Tick)
	}

	d.statsMu.Lock()
	d.stats.Ticks++
	d.statsMu.Unlock()
}

func (d *Director) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("callback panicked")
			d.statsMu.Lock()
			d.stats.Panics++
			d.statsMu.Unlock()
		}
	}()

	fn()

	d.statsMu.Lock()
	d.stats.Executed++
	d.statsMu.Unlock()
}
