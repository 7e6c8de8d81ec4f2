// Package hub fans ticket lifecycle events out to connected subscribers.
// Delivery is fire-and-forget: nothing is retried or persisted for
// subscribers that fall behind or disconnect.
package hub

import (
	"log"
	"sync"

	"ticketflow/internal/domain"
)

const subscriberBuffer = 32

// Subscriber is one connected client. Events arrive on a buffered channel;
// when the buffer is full further events are dropped for that subscriber.
type Subscriber struct {
	events chan domain.Event
	closed bool
}

// Events returns the subscriber's event channel. It is closed by Unsubscribe.
func (s *Subscriber) Events() <-chan domain.Event { return s.events }

// Hub maintains the global subscriber set plus named per-ticket groups.
type Hub struct {
	Logger *log.Logger

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	groups map[string]map[*Subscriber]struct{}
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		groups: make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) logger() *log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.Default()
}

// Subscribe registers a global subscriber and queues the snapshot of the
// current listing as its first event.
func (h *Hub) Subscribe(snapshot []domain.Ticket) *Subscriber {
	s := &Subscriber{events: make(chan domain.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.deliver(s, domain.Event{Kind: domain.EventSnapshot, Tickets: snapshot})
	h.mu.Unlock()
	return s
}

// SubscribeTicket registers a subscriber that receives only events for one
// ticket. It still receives the listing snapshot on connect.
func (h *Hub) SubscribeTicket(id string, snapshot []domain.Ticket) *Subscriber {
	s := &Subscriber{events: make(chan domain.Event, subscriberBuffer)}
	h.mu.Lock()
	h.join(s, id)
	h.deliver(s, domain.Event{Kind: domain.EventSnapshot, Tickets: snapshot})
	h.mu.Unlock()
	return s
}

// Watch adds the subscriber to a ticket's group.
func (h *Hub) Watch(s *Subscriber, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	h.join(s, id)
}

// Unwatch removes the subscriber from a ticket's group.
func (h *Hub) Unwatch(s *Subscriber, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[id]
	if !ok {
		return
	}
	delete(g, s)
	if len(g) == 0 {
		delete(h.groups, id)
	}
}

// join requires h.mu.
func (h *Hub) join(s *Subscriber, id string) {
	g, ok := h.groups[id]
	if !ok {
		g = make(map[*Subscriber]struct{})
		h.groups[id] = g
	}
	g[s] = struct{}{}
}

// Unsubscribe removes the subscriber from the global set and all groups and
// closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	for id, g := range h.groups {
		delete(g, s)
		if len(g) == 0 {
			delete(h.groups, id)
		}
	}
	close(s.events)
}

// Publish delivers an event to every global subscriber and, when the event
// targets a ticket, to that ticket's group. A subscriber present in both
// sets receives the event once: targets are collected as a set first.
func (h *Hub) Publish(evt domain.Event) {
	id := evt.ID
	if evt.Ticket != nil {
		id = evt.Ticket.ID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*Subscriber]struct{}, len(h.subs))
	for s := range h.subs {
		seen[s] = struct{}{}
		h.deliver(s, evt)
	}
	if id != "" {
		for s := range h.groups[id] {
			if _, dup := seen[s]; !dup {
				h.deliver(s, evt)
			}
		}
	}
}

// deliver requires h.mu. The send never blocks, so holding the lock here
// keeps sends ordered ahead of any concurrent Unsubscribe close.
func (h *Hub) deliver(s *Subscriber, evt domain.Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		h.logger().Printf("dropping %s event for slow subscriber", evt.Kind)
	}
}
