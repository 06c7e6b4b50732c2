package hub

import (
	"sync"

	"lostfound-board/backend/internal/metrics"
	"lostfound-board/backend/pkg/logger"
)

const defaultSubscriberBuffer = 64

// Hub is an in-process fan-out registry: topic -> set of subscribers.
// The room hub keys topics by conversation id, the inbox hub by user id;
// the mechanics are identical.
//
// Each subscriber owns a buffered channel. Publish copies a snapshot of
// the subscriber set under the read lock and then delivers without
// blocking: a subscriber that cannot keep up is torn down rather than
// stalling delivery to the rest. Publish never reports subscriber
// failures to the caller.
type Hub struct {
	name   string
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool

	log *logger.Logger
}

// Subscription is the receiving end of one live connection. It lives
// exactly as long as the connection: created on subscribe, torn down on
// unsubscribe, delivery failure, or hub shutdown.
type Subscription struct {
	Topic string

	hub  *Hub
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Safe to call more than once and concurrently with
// publishes.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// New creates a hub. The name is used only for logs and metrics.
func New(name string, buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Hub{
		name:   name,
		buffer: buffer,
		topics: make(map[string]map[*Subscription]struct{}),
		log:    log,
	}
}

// Subscribe registers a new subscriber for the topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	s := &Subscription{
		Topic: topic,
		hub:   h,
		ch:    make(chan Event, h.buffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		return s
	}
	set := h.topics[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.topics[topic] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	metrics.HubSubscriptions.WithLabelValues(h.name).Inc()
	return s
}

// Publish delivers the event to every subscriber active at call time,
// each at most once. Within one topic, publish order is delivery order
// because there is a single fan-out point and per-subscriber channels
// preserve ordering.
func (h *Hub) Publish(topic string, e Event) {
	h.mu.RLock()
	set := h.topics[topic]
	snapshot := make([]*Subscription, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	metrics.HubEventsPublished.WithLabelValues(h.name, e.EventType()).Inc()

	for _, s := range snapshot {
		select {
		case s.ch <- e:
		default:
			// Full buffer means the writer is gone or wedged; the
			// client's own reconnect logic recovers any missed events.
			h.log.Warn("dropping slow subscriber", "hub", h.name, "topic", topic)
			metrics.HubSubscribersDropped.WithLabelValues(h.name).Inc()
			h.remove(s)
		}
	}
}

// SubscriberCount reports the number of active subscribers for a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close tears down every subscription. Used on server shutdown so no
// writer goroutine outlives the HTTP server.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.topics {
		for s := range set {
			all = append(all, s)
		}
	}
	h.topics = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.once.Do(func() { close(s.done) })
		metrics.HubSubscriptions.WithLabelValues(h.name).Dec()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	set := h.topics[s.Topic]
	_, present := set[s]
	if present {
		delete(set, s)
		if len(set) == 0 {
			delete(h.topics, s.Topic)
		}
	}
	h.mu.Unlock()

	s.once.Do(func() { close(s.done) })
	if present {
		metrics.HubSubscriptions.WithLabelValues(h.name).Dec()
	}
}
