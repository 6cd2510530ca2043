// Package event provides an in-process publish/subscribe bus for domain
// events, with typed subscriptions and debounced batching.
package event

import (
	"log/slog"
	"reflect"
	"sync"
)

const defaultSubscriberBuffer = 256

// Bus is an in-process event bus. Publishing is non-blocking: events are
// dropped (and logged) when a subscriber's buffer is full rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type][]chan any
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger defaults to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		subs:   make(map[reflect.Type][]chan any),
		logger: logger,
	}
}

// Publish delivers the event to all subscribers of its concrete type.
func (b *Bus) Publish(event any) {
	t := reflect.TypeOf(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[t] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event subscriber buffer full, dropping event",
				slog.String("event_type", t.String()))
		}
	}
}

// Close shuts down the bus, closing all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[reflect.Type][]chan any)
}

func (b *Bus) subscribe(t reflect.Type) (chan any, func()) {
	ch := make(chan any, defaultSubscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)

		return ch, func() {}
	}
	b.subs[t] = append(b.subs[t], ch)

	return ch, func() { b.unsubscribe(t, ch) }
}

func (b *Bus) unsubscribe(t reflect.Type, ch chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	chans := b.subs[t]
	for i, c := range chans {
		if c == ch {
			b.subs[t] = append(chans[:i], chans[i+1:]...)
			close(ch)

			break
		}
	}
}

// Subscribe registers a typed subscription on the bus. It returns a
// receive channel for events of type T and an unsubscribe function. The
// channel is closed on unsubscribe or bus close.
func Subscribe[T any](b *Bus) (<-chan T, func()) {
	raw, cancel := b.subscribe(reflect.TypeOf((*T)(nil)).Elem())

	out := make(chan T, defaultSubscriberBuffer)
	go func() {
		defer close(out)
		for ev := range raw {
			if typed, ok := ev.(T); ok {
				out <- typed
			}
		}
	}()

	return out, cancel
}
