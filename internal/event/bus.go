package event

import (
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity used when
// Subscribe is called with a non-positive size.
const DefaultBuffer = 256

// Subscription receives every event published after it was created, in
// publish order. C is closed on Unsubscribe, or when the subscriber falls
// so far behind that its buffer fills; Lagged reports the latter.
type Subscription struct {
	ID uint64
	C  <-chan Envelope

	ch     chan Envelope
	lagged bool
}

// Lagged reports whether the subscription was dropped for falling behind.
// Only meaningful after C has been closed.
func (s *Subscription) Lagged() bool { return s.lagged }

// Bus fans events out to subscribers. Publish never blocks.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	now    func() time.Time
}

// NewBus creates a ready-to-use bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ch := make(chan Envelope, buffer)
	sub := &Subscription{ID: b.nextID, C: ch, ch: ch}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; ok {
		close(sub.ch)
		delete(b.subs, sub.ID)
	}
}

// Publish delivers ev to every subscriber. The bus lock is held for the
// whole dispatch so all subscribers observe one total order. A subscriber
// whose buffer is full is closed and removed instead of silently missing
// an event.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	env := Envelope{Seq: b.seq, Time: b.now().UTC(), Event: ev}
	for id, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			sub.lagged = true
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
