// Package bus provides a process-wide topic-keyed publish/subscribe
// primitive. Delivery is synchronous in the publisher's goroutine and
// follows subscription order; subscribers are expected to be cheap
// forwarders (UI bridges, metrics counters).
package bus

import (
	"sort"
	"sync"
	"time"
)

// Documented topics. The topic set is open; these are the ones external
// observers can rely on.
const (
	TopicOrchestratorPhase     = "orchestrator:phase"
	TopicOrchestratorPlan      = "orchestrator:plan"
	TopicOrchestratorReview    = "orchestrator:review"
	TopicOrchestratorIteration = "orchestrator:iteration"
	TopicSubtaskAssigned       = "subtask:assigned"
	TopicSubtaskProgress       = "subtask:progress"
	TopicSubtaskCompleted      = "subtask:completed"
	TopicWorkerToken           = "worker:token"
	TopicFileWritten           = "file:written"
	TopicProjectDone           = "project:done"
	TopicProjectError          = "project:error"
	TopicRateLimitWait         = "rate-limit:wait"
	TopicLLMRetry              = "llm:retry"
	TopicTokensUpdate          = "tokens:update"
)

// Event is what subscribers receive.
type Event struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Handler consumes one event. Handlers must not block.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a topic-keyed synchronous dispatcher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler for topic and returns an unsubscribe func.
// The wildcard topic "*" receives every event.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to every subscriber of topic (and of "*") in
// subscription order, synchronously, before returning.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.subs[topic])+len(b.subs["*"]))
	handlers = append(handlers, b.subs[topic]...)
	handlers = append(handlers, b.subs["*"]...)
	b.mu.RUnlock()

	// Stable across topic+wildcard merge: subscription order == id order.
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].id < handlers[j].id })
	for _, s := range handlers {
		s.handler(ev)
	}
}
