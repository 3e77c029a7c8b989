package trigger

import (
	"github.com/opencode-ai/sequencer/internal/bus"
)

// Message listens on the bus and pushes every time a message with the
// configured name is published. ConditionsMet stays false until the first
// match and true afterwards, so a later pull agrees with the push.
type Message struct {
	Active

	bus  *bus.MessageBus
	name string
	sub  bus.SubscriptionID
	seen bool
}

// NewMessage subscribes to b immediately. Call Close to release the
// subscription.
func NewMessage(b *bus.MessageBus, name string) *Message {
	m := &Message{bus: b, name: name}
	m.sub = b.Subscribe(m.handle)
	return m
}

// Name returns the message name this trigger waits for.
func (m *Message) Name() string {
	return m.name
}

// ConditionsMet implements Trigger.
func (m *Message) ConditionsMet() bool {
	return m.seen
}

func (m *Message) handle(name string) {
	if name != m.name {
		return
	}
	m.seen = true
	m.Fire()
}

// Close unsubscribes from the bus and drops listeners.
func (m *Message) Close() error {
	if m.sub != 0 {
		m.bus.Unsubscribe(m.sub)
		m.sub = 0
	}
	return m.Active.Close()
}
