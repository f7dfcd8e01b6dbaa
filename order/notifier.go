package order

import (
	"sync"
	"time"
)

// Change is a best-effort ledger-changed notification. Delivery is
// fire-and-forget and sits outside the apply transaction; consumers that
// need a complete feed read order_events instead.
type Change struct {
	ContractAddress string
	Status          Status
	TrackingNumber  *string
	UpdatedAt       time.Time
}

// Notifier fans ledger changes out to in-process subscribers. Slow
// subscribers drop notifications rather than block the engine.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Change)}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription; the channel is closed afterwards.
func (n *Notifier) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the change to every subscriber without blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
