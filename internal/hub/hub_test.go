package hub_test

import (
	"testing"

	"ticketflow/internal/domain"
	"ticketflow/internal/hub"
)

func ticket(id string) domain.Ticket {
	return domain.Ticket{ID: id, Title: "T " + id, Status: domain.StatusBacklog, Priority: domain.PriorityMedium}
}

func recvKind(t *testing.T, s *hub.Subscriber) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	default:
		t.Fatal("no event buffered")
		return domain.Event{}
	}
}

func expectNone(t *testing.T, s *hub.Subscriber) {
	t.Helper()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestSubscribeReceivesSnapshotFirst(t *testing.T) {
	h := hub.New()
	snapshot := []domain.Ticket{ticket("TKT-001"), ticket("TKT-002")}
	s := h.Subscribe(snapshot)
	defer h.Unsubscribe(s)

	ev := recvKind(t, s)
	if ev.Kind != domain.EventSnapshot || len(ev.Tickets) != 2 {
		t.Fatalf("got %+v", ev)
	}
}

func TestPublishReachesAllGlobalSubscribers(t *testing.T) {
	h := hub.New()
	s1 := h.Subscribe(nil)
	s2 := h.Subscribe(nil)
	defer h.Unsubscribe(s1)
	defer h.Unsubscribe(s2)
	recvKind(t, s1) // snapshots
	recvKind(t, s2)

	tk := ticket("TKT-001")
	h.Publish(domain.Event{Kind: domain.EventCreated, Ticket: &tk})
	for _, s := range []*hub.Subscriber{s1, s2} {
		ev := recvKind(t, s)
		if ev.Kind != domain.EventCreated || ev.Ticket.ID != "TKT-001" {
			t.Fatalf("got %+v", ev)
		}
	}
}

func TestTicketGroupReceivesOnlyItsTicket(t *testing.T) {
	h := hub.New()
	s := h.SubscribeTicket("TKT-002", nil)
	defer h.Unsubscribe(s)
	recvKind(t, s) // snapshot

	other := ticket("TKT-001")
	h.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &other})
	expectNone(t, s)

	mine := ticket("TKT-002")
	h.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &mine})
	ev := recvKind(t, s)
	if ev.Kind != domain.EventUpdated || ev.Ticket.ID != "TKT-002" {
		t.Fatalf("got %+v", ev)
	}

	h.Publish(domain.Event{Kind: domain.EventDeleted, ID: "TKT-002"})
	ev = recvKind(t, s)
	if ev.Kind != domain.EventDeleted || ev.ID != "TKT-002" {
		t.Fatalf("got %+v", ev)
	}
}

func TestGlobalSubscriberInGroupReceivesOnce(t *testing.T) {
	h := hub.New()
	s := h.Subscribe(nil)
	defer h.Unsubscribe(s)
	recvKind(t, s) // snapshot
	h.Watch(s, "TKT-001")

	tk := ticket("TKT-001")
	h.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &tk})
	recvKind(t, s)
	expectNone(t, s)
}

func TestUnwatchStopsGroupDelivery(t *testing.T) {
	h := hub.New()
	s := h.SubscribeTicket("TKT-001", nil)
	defer h.Unsubscribe(s)
	recvKind(t, s) // snapshot

	h.Unwatch(s, "TKT-001")
	tk := ticket("TKT-001")
	h.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &tk})
	expectNone(t, s)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := hub.New()
	s := h.Subscribe(nil)
	h.Unsubscribe(s)
	h.Unsubscribe(s) // idempotent

	// Drain the snapshot, then observe the close.
	for {
		_, ok := <-s.Events()
		if !ok {
			break
		}
	}

	// Publishing after unsubscribe must not panic.
	tk := ticket("TKT-001")
	h.Publish(domain.Event{Kind: domain.EventCreated, Ticket: &tk})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := hub.New()
	s := h.Subscribe(nil)
	defer h.Unsubscribe(s)

	tk := ticket("TKT-001")
	// Overfill the buffer without reading; Publish must return.
	for i := 0; i < 100; i++ {
		h.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &tk})
	}
}
