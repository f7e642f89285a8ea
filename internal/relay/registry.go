package relay

import (
	"sync"
)

// Subscriber receives status updates for the topics it joined.
// Deliver must not block; it reports false when the update was dropped.
type Subscriber interface {
	ID() string
	Deliver(update Update) bool
}

// Update is the payload pushed to subscribers.
type Update struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// Registry maps a topic (call id) to its subscribers.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{topics: make(map[string]map[string]Subscriber)}
}

func (r *Registry) Join(topic string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		r.topics[topic] = subs
	}
	subs[s.ID()] = s
}

func (r *Registry) Leave(topic string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(topic, s.ID())
}

// LeaveAll removes s from every topic, e.g. when its socket closes.
func (r *Registry) LeaveAll(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for topic := range r.topics {
		r.leaveLocked(topic, s.ID())
	}
}

func (r *Registry) leaveLocked(topic, id string) {
	subs, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.topics, topic)
	}
}

// Subscribers returns a snapshot so delivery happens outside the lock.
func (r *Registry) Subscribers(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.topics[topic]
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// Topics reports how many topics have at least one subscriber.
func (r *Registry) Topics() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
