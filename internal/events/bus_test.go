package events

import (
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	c := &collector{}
	unsub := bus.Subscribe(EventTaskStarted, c.add)
	defer unsub()

	bus.Publish(EventTaskStarted, map[string]any{"task": "build"})
	bus.Publish(EventTaskCompleted, map[string]any{"task": "build"})

	waitFor(t, func() bool { return c.len() == 1 })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events[0].Type != EventTaskStarted {
		t.Errorf("expected %s, got %s", EventTaskStarted, c.events[0].Type)
	}
	if c.events[0].Data["task"] != "build" {
		t.Errorf("expected task build, got %v", c.events[0].Data["task"])
	}
	if c.events[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	c := &collector{}
	unsub := bus.SubscribeAll(c.add)

	for _, et := range AllEventTypes {
		bus.Publish(et, nil)
	}
	waitFor(t, func() bool { return c.len() == len(AllEventTypes) })

	unsub()
	bus.Publish(EventAllIdle, nil)
	time.Sleep(20 * time.Millisecond)
	if c.len() != len(AllEventTypes) {
		t.Errorf("expected no delivery after unsubscribe, got %d events", c.len())
	}
}

func TestBus_FullBufferDrops(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	c := &collector{}
	unsub := bus.Subscribe(EventTaskQueued, func(e Event) {
		<-block
		c.add(e)
	})
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventTaskQueued, map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(block)
	waitFor(t, func() bool { return c.len() >= 1 })
	if c.len() > 2 {
		t.Errorf("expected most events dropped, got %d delivered", c.len())
	}
}

func TestBus_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	c := &collector{}
	unsub := bus.Subscribe(EventTaskCompleted, func(e Event) {
		if e.Data["panic"] == true {
			panic("boom")
		}
		c.add(e)
	})
	defer unsub()

	bus.Publish(EventTaskCompleted, map[string]any{"panic": true})
	bus.Publish(EventTaskCompleted, map[string]any{"panic": false})

	waitFor(t, func() bool { return c.len() == 1 })
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(EventAllIdle, nil)
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	unsub := bus.Subscribe(EventAllIdle, func(Event) {})
	unsub()
	bus.Publish(EventAllIdle, nil)
}
