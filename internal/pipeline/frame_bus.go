package pipeline

import (
	"sync"
)

// FrameBus fans encoded frames out to transports (MJPEG, websocket, WebRTC).
// A slow subscriber loses its oldest queued frame, never the newest.
type FrameBus struct {
	subscribers map[chan []byte]struct{}
	latest      []byte
	mu          sync.RWMutex
}

// NewFrameBus creates an empty bus.
func NewFrameBus() *FrameBus {
	return &FrameBus{subscribers: make(map[chan []byte]struct{})}
}

// Subscribe returns a frame channel and an unsubscribe function that closes it.
func (b *FrameBus) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []byte, buffer)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
}

// Publish stores frame as the latest and offers it to every subscriber.
func (b *FrameBus) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = frame
	for ch := range b.subscribers {
		select {
		case ch <- frame:
			continue
		default:
		}
		// full: drop the oldest and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// Latest returns the most recent frame, nil before the first one.
func (b *FrameBus) Latest() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// SubscriberCount returns the number of active subscribers.
func (b *FrameBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone.
func (b *FrameBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
