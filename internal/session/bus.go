// Package session fans flushed sessions out to live subscribers.
package session

import (
	"context"
	"errors"
	"sync"

	"Go2NetGuard/internal/metrics"
	"Go2NetGuard/internal/model"
)

// ErrClosed is returned when subscribing to a bus that has been torn down.
var ErrClosed = errors.New("session bus closed")

// Bus is an explicit observer list. Delivery never blocks: a subscriber whose
// buffer is full misses the session.
type Bus struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[uint64]chan model.TrafficSession
	nextID uint64
	closed bool
}

func NewBus(m *metrics.Metrics) *Bus {
	return &Bus{metrics: m, subs: make(map[uint64]chan model.TrafficSession)}
}

// Subscribe registers a new observer. The returned cancel func unsubscribes and
// closes the channel; it is safe to call more than once and after Close.
func (b *Bus) Subscribe(buffer int) (<-chan model.TrafficSession, func(), error) {
	if buffer < 0 {
		buffer = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	ch := make(chan model.TrafficSession, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel, nil
}

func (b *Bus) Name() string { return "session-bus" }

// Write publishes s to every subscriber.
func (b *Bus) Write(_ context.Context, s model.TrafficSession) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			b.metrics.BusDropped()
		}
	}
	return nil
}

// Len returns the number of active subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Further writes fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
