package pipeline

import (
	"context"
	"sync"
)

// EventBus fans accepted detection results out to the cache, alerting,
// the journal and any other subscriber
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	classFilter VehicleClass // Empty means receive every class
	channel     chan *DetectionResult
	handler     DetectionResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for every result
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler DetectionResultHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeClass registers a handler for results of one vehicle class
func (b *EventBus) SubscribeClass(class VehicleClass, handler DetectionResultHandler) func() {
	return b.add(&eventSubscription{classFilter: class, handler: handler})
}

// SubscribeChannel returns a channel that receives results.
// Results are dropped when the channel is full
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *DetectionResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *DetectionResult, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends a result to all subscribers
func (b *EventBus) Publish(ctx context.Context, result *DetectionResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.classFilter != "" && sub.classFilter != result.Class {
			continue
		}

		// Handlers run synchronously so every subscriber sees results in completion order
		if sub.handler != nil {
			sub.handler.OnDetectionResult(ctx, result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
