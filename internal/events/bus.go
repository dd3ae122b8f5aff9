// Package events provides the plan lifecycle event bus and the JSONL
// audit log.
package events

import (
	"sync"
	"time"
)

// EventType identifies a plan lifecycle event.
type EventType string

const (
	EventPlanCreated    EventType = "plan_created"
	EventStepStarted    EventType = "step_started"
	EventStepCompleted  EventType = "step_completed"
	EventStepSkipped    EventType = "step_skipped"
	EventStepFailed     EventType = "step_failed"
	EventPlanCompleted  EventType = "plan_completed"
	EventPlanFailed     EventType = "plan_failed"
	EventPlanCancelled  EventType = "plan_cancelled"
	EventPlanRolledBack EventType = "plan_rolled_back"
	EventPlanDeleted    EventType = "plan_deleted"
)

// AllEventTypes lists every published type, for subscribers that want the
// full stream (the audit logger does).
var AllEventTypes = []EventType{
	EventPlanCreated,
	EventStepStarted,
	EventStepCompleted,
	EventStepSkipped,
	EventStepFailed,
	EventPlanCompleted,
	EventPlanFailed,
	EventPlanCancelled,
	EventPlanRolledBack,
	EventPlanDeleted,
}

// Event is one plan lifecycle occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	PlanID    string
	StepID    string
	Details   map[string]any
}

// Subscriber receives events asynchronously.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Delivery is
// asynchronous over buffered channels; if a subscriber falls behind, its
// events are dropped rather than stalling the executor.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
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

// Subscribe registers fn for one event type and returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for ev := range ch {
			// A panicking subscriber must not take the process down.
			func() {
				defer func() { _ = recover() }()
				fn(ev)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, c := range subs {
			if c == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// SubscribeAll registers fn for every known event type and returns a
// single unsubscribe function covering all of them.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	cancels := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		cancels = append(cancels, b.Subscribe(et, fn))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}

// Publish delivers ev to subscribers of its type. Never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop.
		}
	}
}
