package ble

import (
	"log/slog"
	"sync"
)

// broadcaster fans values out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the value.
type broadcaster[T any] struct {
	name string

	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

func newBroadcaster[T any](name string) *broadcaster[T] {
	return &broadcaster[T]{name: name, subs: make(map[int]chan T)}
}

func (b *broadcaster[T]) subscribe(buf int) (<-chan T, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan T, buf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
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

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			slog.Warn("[BLE] subscriber too slow, dropping event", "stream", b.name)
		}
	}
}

func (b *broadcaster[T]) close() {
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
