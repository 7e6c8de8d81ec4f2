// Package server exposes the ticketflow HTTP API.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"ticketflow/internal/domain"
	"ticketflow/internal/enrich"
	"ticketflow/internal/hub"
	"ticketflow/internal/journal"
	"ticketflow/internal/ticket"
)

// Config for the HTTP API handler.
type Config struct {
	Store        *ticket.Store
	Hub          *hub.Hub
	Orchestrator *enrich.Orchestrator
	Journal      *journal.Journal
	BasePath     string
	Auth         AuthConfig
	Logger       *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"ticket not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ticketflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(newAuditMiddleware(basePath, logger))
	hcfg := huma.DefaultConfig("Ticketflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTickets(group, cfg.Store)
	registerEnrichment(group, cfg.Orchestrator)
	registerJournal(group, cfg.Journal)
	registerStream(group, cfg.Store, cfg.Hub)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ticket.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already in flight"),
		strings.Contains(lowered, "already in progress"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTickets(api huma.API, store *ticket.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Priority string `query:"priority"`
		Project  string `query:"project"`
		Assignee string `query:"assignee"`
		Sort     string `query:"sort" doc:"Sort key: id, priority, created, updated"`
		Desc     bool   `query:"desc"`
	}) (*struct {
		Body []TicketResponse `json:"body"`
	}, error) {
		filter := ticket.Filter{
			Status:   input.Status,
			Priority: input.Priority,
			Project:  input.Project,
			Assignee: input.Assignee,
		}
		sortBy := ticket.Sort{Key: ticket.SortKey(input.Sort), Descending: input.Desc}
		ts, err := store.List(ctx, filter, sortBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TicketResponse `json:"body"`
		}{Body: ticketResponses(ts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{id}",
		Summary:     "Get ticket",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		t, err := store.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Create ticket",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.Status != "" && !domain.Status(input.Body.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Body.Status})
		}
		if input.Body.Priority != "" && !domain.Priority(input.Body.Priority).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid priority", map[string]any{"priority": input.Body.Priority})
		}
		t, err := store.Create(ctx, ticket.CreateInput{
			Title:    input.Body.Title,
			Status:   domain.Status(input.Body.Status),
			Priority: domain.Priority(input.Body.Priority),
			Project:  input.Body.Project,
			Assignee: input.Body.Assignee,
			Estimate: input.Body.Estimate,
			Body:     input.Body.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-ticket",
		Method:      http.MethodPatch,
		Path:        "/tickets/{id}",
		Summary:     "Update ticket",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body UpdateTicketRequest `json:"body"`
	}) (*struct {
		Body TicketResponse `json:"body"`
	}, error) {
		patch := ticket.Patch{
			Title:    input.Body.Title,
			Project:  input.Body.Project,
			Assignee: input.Body.Assignee,
			Estimate: input.Body.Estimate,
			Body:     input.Body.Body,
		}
		if input.Body.Status != nil {
			s := domain.Status(*input.Body.Status)
			if !s.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": *input.Body.Status})
			}
			patch.Status = &s
		}
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			if !p.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid priority", map[string]any{"priority": *input.Body.Priority})
			}
			patch.Priority = &p
		}
		t, err := store.Update(ctx, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TicketResponse `json:"body"`
		}{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-ticket",
		Method:        http.MethodDelete,
		Path:          "/tickets/{id}",
		Summary:       "Delete ticket",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := store.Delete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEnrichment(api huma.API, orch *enrich.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-enrichment",
		Method:        http.MethodPost,
		Path:          "/tickets/{id}/enrich",
		Summary:       "Trigger enrichment",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := orch.TriggerManual(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "accepted"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-enrichment",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/enrich/complete",
		Summary:     "Mark enrichment complete",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := orch.MarkComplete(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "complete"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-enrichment",
		Method:      http.MethodPost,
		Path:        "/tickets/{id}/enrich/fail",
		Summary:     "Mark enrichment failed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body FailRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		reason := input.Body.Reason
		if reason == "" {
			reason = "failed manually"
		}
		if err := orch.MarkFailed(ctx, input.ID, reason); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "failed"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-enrichment-sessions",
		Method:      http.MethodGet,
		Path:        "/enrichment/sessions",
		Summary:     "List in-flight enrichment sessions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: sessionResponses(orch.Sessions())}, nil
	})
}

func registerJournal(api huma.API, j *journal.Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "Tail the event journal",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []journal.Entry `json:"body"`
	}, error) {
		if j == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "journal disabled", nil)
		}
		entries, err := j.Tail(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []journal.Entry `json:"body"`
		}{Body: entries}, nil
	})
}
