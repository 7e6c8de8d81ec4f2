package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"ticketflow/internal/domain"
	"ticketflow/internal/hub"
	"ticketflow/internal/ticket"
)

// registerStream exposes the live ticket feed over server-sent events. Every
// subscriber receives a snapshot first, then incremental changes until it
// disconnects. A ticket_id query parameter narrows the feed to the listed
// tickets; changing the watched set means reconnecting with new parameters.
func registerStream(api huma.API, store *ticket.Store, h *hub.Hub) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Stream ticket events",
	}, map[string]any{
		"snapshot": SnapshotEvent{},
		"created":  CreatedEvent{},
		"updated":  UpdatedEvent{},
		"deleted":  DeletedEvent{},
		"error":    ErrorEvent{},
	}, func(ctx context.Context, input *struct {
		TicketID string `query:"ticket_id" doc:"Restrict the stream to these tickets (comma separated)"`
	}, send sse.Sender) {
		tickets, err := store.List(ctx, ticket.Filter{}, ticket.Sort{})
		if err != nil {
			send.Data(ErrorEvent{Message: err.Error()})
			return
		}

		var sub *hub.Subscriber
		if ids := splitStreamIDs(input.TicketID); len(ids) > 0 {
			sub = h.SubscribeTicket(ids[0], tickets)
			for _, id := range ids[1:] {
				h.Watch(sub, id)
			}
		} else {
			sub = h.Subscribe(tickets)
		}
		defer h.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := send.Data(streamBody(evt)); err != nil {
					return
				}
			}
		}
	})
}

func splitStreamIDs(param string) []string {
	var ids []string
	for _, part := range strings.Split(param, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func streamBody(evt domain.Event) any {
	switch evt.Kind {
	case domain.EventSnapshot:
		return SnapshotEvent{Tickets: ticketResponses(evt.Tickets)}
	case domain.EventCreated:
		return CreatedEvent{Ticket: ticketResponse(*evt.Ticket)}
	case domain.EventUpdated:
		return UpdatedEvent{Ticket: ticketResponse(*evt.Ticket)}
	case domain.EventDeleted:
		return DeletedEvent{ID: evt.ID}
	default:
		return ErrorEvent{Message: evt.Message}
	}
}
