package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 64

// Publisher accepts events for fan-out.
type Publisher interface {
	Publish(event Event)
}

// Subscriber hands out per-topic event streams.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan Event, func())
}

// Bus is both sides of the fan-out.
type Bus interface {
	Publisher
	Subscriber
}

// Dispatcher fans events out to in-process subscribers keyed by topic.
// Delivery never blocks the publisher: a subscriber whose buffer is full misses
// the event and is expected to reconcile from storage.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Int64
}

type subscriber struct {
	id     int64
	stream chan Event
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	dispatcher := &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
	for _, option := range options {
		option(dispatcher)
	}
	return dispatcher
}

// Subscribe registers a stream for topic. The returned cleanup is idempotent and
// also runs when ctx ends.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(topic, sub)

	released := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, sub.id)
			close(released)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-released:
		}
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
			d.dropped.Add(1)
		}
	}
}

// SubscriberCount reports live subscriptions on topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

// Dropped reports how many deliveries were skipped because a buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
