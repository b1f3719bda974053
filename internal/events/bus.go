package events

import (
	"sync"
	"time"
)

// EventType names a scheduler lifecycle event.
type EventType string

const (
	// EventTaskQueued is published when a task instance enters the pending queue.
	EventTaskQueued EventType = "task_queued"
	// EventTaskScheduled is published when a rate-limited task arms or re-arms its timer.
	EventTaskScheduled EventType = "task_scheduled"
	// EventTaskStarted is published when an attempt is dispatched.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted is published when an attempt is finalized in history.
	EventTaskCompleted EventType = "task_completed"
	// EventAllIdle is published once when the scheduler drains all pending and executing work.
	EventAllIdle EventType = "all_idle"
)

// AllEventTypes lists every type the scheduler publishes.
var AllEventTypes = []EventType{
	EventTaskQueued,
	EventTaskScheduled,
	EventTaskStarted,
	EventTaskCompleted,
	EventAllIdle,
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe hub. Each subscriber gets a buffered channel drained
// by its own goroutine; when the buffer is full the event is dropped for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover() // a panicking subscriber must not stop delivery
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every type in AllEventTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish delivers an event to the subscribers of eventType without blocking. A nil Bus is a no-op.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels. Later subscriptions are inert.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
