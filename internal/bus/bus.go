// Package bus provides the named-message publish/subscribe hub that lets
// triggers and actions talk across unrelated sequences.
package bus

import (
	"sync/atomic"

	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/opencode-ai/sequencer/internal/notify"
	"github.com/rs/zerolog"
)

// SubscriptionID identifies a bus subscription.
type SubscriptionID = notify.ID

// Handler receives the name of every published message. Handlers filter by
// name themselves; the bus does no routing.
type Handler func(name string)

// MessageBus is an in-process, synchronous message hub.
//
// Publish delivers on the caller's goroutine before returning. There is no
// queueing and no persistence. Build one per process (or per test) and pass
// it to whatever needs it.
type MessageBus struct {
	subs   notify.Signal[string]
	closed atomic.Bool
	logger zerolog.Logger
}

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *MessageBus) {
		b.logger = logger
	}
}

// New creates an empty MessageBus.
func New(opts ...Option) *MessageBus {
	b := &MessageBus{
		logger: logging.Component("bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish notifies every current subscriber with name. Publishing with no
// subscribers, or after Close, is a no-op.
func (b *MessageBus) Publish(name string) {
	if b.closed.Load() {
		b.logger.Debug().Str("message", name).Msg("publish on closed bus ignored")
		return
	}
	b.logger.Debug().
		Str("message", name).
		Int("subscribers", b.subs.Len()).
		Msg("publishing message")
	b.subs.Notify(name)
}

// Subscribe registers handler for every future publish.
func (b *MessageBus) Subscribe(handler Handler) SubscriptionID {
	if handler == nil || b.closed.Load() {
		return 0
	}
	return b.subs.Subscribe(handler)
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *MessageBus) Unsubscribe(id SubscriptionID) {
	b.subs.Unsubscribe(id)
}

// Subscribers returns the number of live subscriptions.
func (b *MessageBus) Subscribers() int {
	return b.subs.Len()
}

// Close drops every subscriber. Later publishes and subscribes are no-ops.
func (b *MessageBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.subs.Clear()
	b.logger.Debug().Msg("bus closed")
	return nil
}
