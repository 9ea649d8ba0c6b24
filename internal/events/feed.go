package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/moltbunker/usdstake/internal/ledger"
)

// DefaultFeedBuffer is the per-subscriber queue length.
const DefaultFeedBuffer = 64

// Feed broadcasts events to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop
// is counted.
type Feed struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]chan Message
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// NewFeed creates a feed with the given per-subscriber buffer.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Feed{buffer: buffer, subs: make(map[uint64]chan Message)}
}

func (f *Feed) Name() string { return "feed" }

// Subscribe returns a channel of future events and a function that ends
// the subscription. The channel is closed when the subscription ends or
// the feed is closed.
func (f *Feed) Subscribe() (<-chan Message, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Message, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *Feed) Publish(_ context.Context, ev ledger.Event) error {
	msg := NewMessage(ev)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- msg:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Close ends all subscriptions.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	return nil
}
