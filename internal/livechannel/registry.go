package livechannel

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/telemetry.relay/internal/codec"
	"github.com/banshee-data/telemetry.relay/internal/monitoring"
)

// Handler receives envelopes published on a topic.
type Handler func(codec.Envelope)

// SubscriptionID identifies one registered handler.
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Registry maps topics to handlers. Handlers for a topic are invoked in
// registration order on the publishing goroutine.
type Registry struct {
	mu     sync.Mutex
	topics map[string][]subscription
	byID   map[SubscriptionID]string

	// unsubscribed records topics already reported as having no handlers so
	// the diagnostic is logged once per topic for the registry's lifetime.
	unsubscribed map[string]struct{}

	logf func(format string, v ...interface{})
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		topics:       make(map[string][]subscription),
		byID:         make(map[SubscriptionID]string),
		unsubscribed: make(map[string]struct{}),
		logf:         monitoring.Prefixed("[LiveChannel]"),
	}
}

// Register adds handler for topic and returns its subscription id.
func (r *Registry) Register(topic string, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic] = append(r.topics[topic], subscription{id: id, handler: handler})
	r.byID[id] = topic
	return id
}

// Unregister removes a single handler. It reports whether id was registered.
func (r *Registry) Unregister(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	topic, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)

	subs := r.topics[topic]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.topics, topic)
	} else {
		r.topics[topic] = subs
	}
	return true
}

// UnregisterTopic removes every handler for topic and returns how many were
// removed.
func (r *Registry) UnregisterTopic(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[topic]
	for _, s := range subs {
		delete(r.byID, s.id)
	}
	delete(r.topics, topic)
	return len(subs)
}

// Clear removes all handlers. The unsubscribed-topic log history is kept.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string][]subscription)
	r.byID = make(map[SubscriptionID]string)
}

// Publish delivers env to every handler registered for topic and returns the
// number of handlers called. Nothing is buffered for later subscribers.
func (r *Registry) Publish(topic string, env codec.Envelope) int {
	r.mu.Lock()
	subs := r.topics[topic]
	if len(subs) == 0 {
		_, seen := r.unsubscribed[topic]
		if !seen {
			r.unsubscribed[topic] = struct{}{}
		}
		r.mu.Unlock()
		if !seen {
			r.logf("topic: %s is not subscribed", topic)
		}
		return 0
	}
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
	return len(handlers)
}

// HandlerCount returns the number of handlers registered for topic.
func (r *Registry) HandlerCount(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Topics returns the subscribed topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Unsubscribed returns the topics that have been published without any
// handler, in sorted order.
func (r *Registry) Unsubscribed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.unsubscribed))
	for topic := range r.unsubscribed {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
