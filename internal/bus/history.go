package bus

import "sync"

// History keeps the last N messages published on a bus.
type History struct {
	mu    sync.Mutex
	size  int
	names []string
	next  int
	full  bool
	total int
}

// NewHistory returns a history sized for the provided message count.
func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{
		size:  size,
		names: make([]string, size),
	}
}

// Record subscribes h to b. Unsubscribe with the returned ID.
func (h *History) Record(b *MessageBus) SubscriptionID {
	return b.Subscribe(h.Add)
}

// Add stores a message name.
func (h *History) Add(name string) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.names[h.next] = name
	h.next++
	if h.next >= h.size {
		h.next = 0
		h.full = true
	}
}

// Total returns how many messages were seen, including evicted ones.
func (h *History) Total() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Snapshot returns the kept messages oldest first.
func (h *History) Snapshot() []string {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		out := make([]string, h.next)
		copy(out, h.names[:h.next])
		return out
	}

	out := make([]string, h.size)
	copy(out, h.names[h.next:])
	copy(out[h.size-h.next:], h.names[:h.next])
	return out
}
