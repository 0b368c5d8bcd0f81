package server

import (
	"context"
	"sync"

	"github.com/circlecloud/circle/internal/activity"
)

// subscriberBufferSize is the channel buffer of each stream subscriber.
// Events are dropped for a subscriber this far behind.
const subscriberBufferSize = 64

// ActivityBroker fans activity events out to stream subscribers. It is safe
// for concurrent use.
type ActivityBroker struct {
	mu     sync.Mutex
	subs   map[int]chan activity.Event
	nextID int
	closed bool
}

var _ activity.Publisher = (*ActivityBroker)(nil)

// NewActivityBroker creates an empty broker.
func NewActivityBroker() *ActivityBroker {
	return &ActivityBroker{subs: make(map[int]chan activity.Event)}
}

// Subscribe returns a channel of events and a function that removes the
// subscription. After Close the channel is returned closed.
func (b *ActivityBroker) Subscribe() (<-chan activity.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan activity.Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// PublishActivity implements activity.Publisher. It never blocks.
func (b *ActivityBroker) PublishActivity(ctx context.Context, event activity.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Pump republishes events from src until it closes or ctx is done. It feeds
// the broker from a shared event bus.
func (b *ActivityBroker) Pump(ctx context.Context, src <-chan activity.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			_ = b.PublishActivity(ctx, ev)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *ActivityBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *ActivityBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
