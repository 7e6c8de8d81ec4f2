// Package ticketflowsdk is a minimal Ticketflow HTTP API client.
package ticketflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running ticketflow server.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Ticket represents the API ticket model.
type Ticket struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Status     string      `json:"status"`
	Priority   string      `json:"priority"`
	Project    string      `json:"project,omitempty"`
	Assignee   string      `json:"assignee,omitempty"`
	Estimate   *int        `json:"estimate,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Body       string      `json:"body,omitempty"`
	Enrichment *Enrichment `json:"enrichment,omitempty"`
}

// Enrichment is the enrichment block of a ticket.
type Enrichment struct {
	Status      string     `json:"status"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SessionKey  string     `json:"session_key,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Session is one in-flight enrichment session.
type Session struct {
	TicketID   string    `json:"ticket_id"`
	SessionKey string    `json:"session_key"`
	StartedAt  time.Time `json:"started_at"`
}

// JournalEntry is one row of the event journal.
type JournalEntry struct {
	ID       int64          `json:"id"`
	TS       time.Time      `json:"ts"`
	Type     string         `json:"type"`
	TicketID string         `json:"ticket_id,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListFilters narrows ListTickets results. Empty fields match everything.
type ListFilters struct {
	Status   string
	Priority string
	Project  string
	Assignee string
	Sort     string
	Desc     bool
}

// ListTickets returns tickets matching the filters.
func (c *Client) ListTickets(ctx context.Context, f ListFilters) ([]Ticket, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Priority != "" {
		q.Set("priority", f.Priority)
	}
	if f.Project != "" {
		q.Set("project", f.Project)
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.Sort != "" {
		q.Set("sort", f.Sort)
	}
	if f.Desc {
		q.Set("desc", "true")
	}
	endpoint := "tickets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Ticket
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTicket fetches one ticket by id.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodGet, "tickets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateTicket creates a ticket.
func (c *Client) CreateTicket(ctx context.Context, fields map[string]any) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPost, "tickets", fields, &resp)
	return resp, err
}

// UpdateTicket patches a ticket.
func (c *Client) UpdateTicket(ctx context.Context, id string, fields map[string]any) (Ticket, error) {
	var resp Ticket
	err := c.do(ctx, http.MethodPatch, "tickets/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// DeleteTicket removes a ticket.
func (c *Client) DeleteTicket(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "tickets/"+url.PathEscape(id), nil, nil)
}

// TriggerEnrichment asks the server to enrich a ticket.
func (c *Client) TriggerEnrichment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "tickets/"+url.PathEscape(id)+"/enrich", nil, nil)
}

// CompleteEnrichment marks a ticket's enrichment complete.
func (c *Client) CompleteEnrichment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "tickets/"+url.PathEscape(id)+"/enrich/complete", nil, nil)
}

// FailEnrichment marks a ticket's enrichment failed with a reason.
func (c *Client) FailEnrichment(ctx context.Context, id, reason string) error {
	body := map[string]any{"reason": reason}
	return c.do(ctx, http.MethodPost, "tickets/"+url.PathEscape(id)+"/enrich/fail", body, nil)
}

// Sessions returns the in-flight enrichment sessions.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp []Session
	err := c.do(ctx, http.MethodGet, "enrichment/sessions", nil, &resp)
	return resp, err
}

// Journal returns recent journal entries, newest first.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	endpoint := "journal"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []JournalEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
