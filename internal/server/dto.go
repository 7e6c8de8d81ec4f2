package server

import (
	"time"

	"ticketflow/internal/domain"
	"ticketflow/internal/enrich"
)

type EnrichmentResponse struct {
	Status      string     `json:"status" example:"complete"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SessionKey  string     `json:"session_key,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type TicketResponse struct {
	ID         string              `json:"id" example:"TKT-042"`
	Title      string              `json:"title"`
	Status     string              `json:"status" example:"backlog"`
	Priority   string              `json:"priority" example:"high"`
	Project    string              `json:"project,omitempty"`
	Assignee   string              `json:"assignee,omitempty"`
	Estimate   *int                `json:"estimate,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Body       string              `json:"body,omitempty"`
	Enrichment *EnrichmentResponse `json:"enrichment,omitempty"`
}

type CreateTicketRequest struct {
	Title    string `json:"title" minLength:"1"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Project  string `json:"project,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Estimate *int   `json:"estimate,omitempty"`
	Body     string `json:"body,omitempty"`
}

type UpdateTicketRequest struct {
	Title    *string `json:"title,omitempty"`
	Status   *string `json:"status,omitempty"`
	Priority *string `json:"priority,omitempty"`
	Project  *string `json:"project,omitempty"`
	Assignee *string `json:"assignee,omitempty"`
	Estimate *int    `json:"estimate,omitempty"`
	Body     *string `json:"body,omitempty"`
}

type SessionResponse struct {
	TicketID   string    `json:"ticket_id"`
	SessionKey string    `json:"session_key"`
	StartedAt  time.Time `json:"started_at"`
}

type FailRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SSE event bodies. Each stream event carries either one ticket, the full
// snapshot, or a bare identifier.
type SnapshotEvent struct {
	Tickets []TicketResponse `json:"tickets"`
}

type CreatedEvent struct {
	Ticket TicketResponse `json:"ticket"`
}

type UpdatedEvent struct {
	Ticket TicketResponse `json:"ticket"`
}

type DeletedEvent struct {
	ID string `json:"id"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func ticketResponse(t domain.Ticket) TicketResponse {
	resp := TicketResponse{
		ID:        t.ID,
		Title:     t.Title,
		Status:    string(t.Status),
		Priority:  string(t.Priority),
		Project:   t.Project,
		Assignee:  t.Assignee,
		Estimate:  t.Estimate,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Body:      t.Body,
	}
	if es := t.Enrichment; es != nil {
		resp.Enrichment = &EnrichmentResponse{
			Status:      string(es.Status),
			TriggeredAt: es.TriggeredAt,
			CompletedAt: es.CompletedAt,
			SessionKey:  es.SessionKey,
			Attempts:    es.Attempts,
			LastError:   es.LastError,
		}
	}
	return resp
}

func ticketResponses(ts []domain.Ticket) []TicketResponse {
	out := make([]TicketResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, ticketResponse(t))
	}
	return out
}

func sessionResponses(sessions map[string]enrich.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(sessions))
	for id, s := range sessions {
		out = append(out, SessionResponse{TicketID: id, SessionKey: s.Key, StartedAt: s.StartedAt})
	}
	return out
}
