// Package pubsub provides a small in-process broker used to fan out
// change events to subscribers.
package pubsub

import (
	"context"
	"sync"
)

const defaultBuffer = 16

// Broker fans values out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses that value and the drop is
// counted instead.
type Broker[T any] struct {
	mu      sync.Mutex
	subs    map[int]chan T
	nextID  int
	buffer  int
	dropped uint64
	closed  bool
}

// New returns a broker whose subscriber channels hold buffer values.
// A non-positive buffer falls back to a small default.
func New[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a subscriber. The returned channel closes when
// ctx is done or the broker shuts down, whichever happens first.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

func (b *Broker[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

// Publish delivers v to every subscriber with buffer room.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Broker[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Shutdown closes all subscriber channels and rejects later publishes.
// Safe to call more than once.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
