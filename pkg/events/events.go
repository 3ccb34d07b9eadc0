package events

import (
	"sync"
	"time"

	"github.com/burrowhq/burrow/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventSandboxRequested EventType = "sandbox.requested"
	EventSandboxReady     EventType = "sandbox.ready"
	EventSandboxActive    EventType = "sandbox.active"
	EventSandboxUnhealthy EventType = "sandbox.unhealthy"
	EventSandboxDestroyed EventType = "sandbox.destroyed"
	EventSandboxProgress  EventType = "sandbox.progress"
	EventPoolReplenished  EventType = "pool.replenished"
	EventPoolAssigned     EventType = "pool.assigned"
	EventAgentIteration   EventType = "agent.iteration"
	EventAgentCommitted   EventType = "agent.committed"
)

// SandboxEventType maps a sandbox status to its event type. Setup
// phases share the generic progress type.
func SandboxEventType(status types.SandboxStatus) EventType {
	switch status {
	case types.SandboxRequested:
		return EventSandboxRequested
	case types.SandboxReady:
		return EventSandboxReady
	case types.SandboxActive:
		return EventSandboxActive
	case types.SandboxUnhealthy:
		return EventSandboxUnhealthy
	case types.SandboxDestroyed:
		return EventSandboxDestroyed
	default:
		return EventSandboxProgress
	}
}

// Event represents a control-plane event
type Event struct {
	Type      EventType
	Timestamp time.Time
	SandboxID string
	SessionID string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.mu.RLock()
			for sub := range b.subscribers {
				// Drop events for slow subscribers rather than block
				// the distribution loop
				select {
				case sub <- event:
				default:
				}
			}
			b.mu.RUnlock()
		case <-b.stopCh:
			return
		}
	}
}
