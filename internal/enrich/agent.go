package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ticketflow/internal/domain"
)

// ErrNoToken is the hard precondition failure for a missing agent
// credential. Invocation is never attempted, and never retried, without one.
var ErrNoToken = errors.New("agent bearer token not configured")

// Task is one outbound enrichment request.
type Task struct {
	Tool        string        `json:"tool"`
	AgentID     string        `json:"agent_id"`
	Description string        `json:"task"`
	Cleanup     string        `json:"cleanup"`
	RunTimeout  time.Duration `json:"-"`
}

// Acknowledgement is the agent's transport-level acceptance of a task.
type Acknowledgement struct {
	SessionID string `json:"session_id"`
}

// Agent invokes the external content-generation agent.
type Agent interface {
	// Ready reports whether invocation preconditions hold.
	Ready() error
	// Invoke submits one task. A nil error means the agent acknowledged
	// the task, not that enrichment finished.
	Invoke(ctx context.Context, task Task) (Acknowledgement, error)
}

// HTTPAgent calls a single agent endpoint with bearer-token authentication.
type HTTPAgent struct {
	URL    string
	Token  string
	Client *http.Client
}

func (a *HTTPAgent) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Ready fails when no bearer token is configured.
func (a *HTTPAgent) Ready() error {
	if a.Token == "" {
		return ErrNoToken
	}
	if a.URL == "" {
		return errors.New("agent endpoint not configured")
	}
	return nil
}

type invokeRequest struct {
	Tool              string `json:"tool"`
	AgentID           string `json:"agent_id"`
	Task              string `json:"task"`
	Cleanup           string `json:"cleanup"`
	RunTimeoutSeconds int    `json:"run_timeout_seconds"`
}

type invokeResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Invoke posts the task to the agent endpoint.
func (a *HTTPAgent) Invoke(ctx context.Context, task Task) (Acknowledgement, error) {
	if err := a.Ready(); err != nil {
		return Acknowledgement{}, err
	}
	payload := invokeRequest{
		Tool:              task.Tool,
		AgentID:           task.AgentID,
		Task:              task.Description,
		Cleanup:           task.Cleanup,
		RunTimeoutSeconds: int(task.RunTimeout / time.Second),
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return Acknowledgement{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, &buf)
	if err != nil {
		return Acknowledgement{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.Token)
	resp, err := a.client().Do(req)
	if err != nil {
		return Acknowledgement{}, fmt.Errorf("invoke agent: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out invokeResponse
	if err := json.Unmarshal(body, &out); err != nil && resp.StatusCode < 300 {
		return Acknowledgement{}, fmt.Errorf("invoke agent: decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Acknowledgement{}, fmt.Errorf("invoke agent: status %d: %s", resp.StatusCode, msg)
	}
	if out.Error != "" {
		return Acknowledgement{}, fmt.Errorf("invoke agent: %s", out.Error)
	}
	return Acknowledgement{SessionID: out.SessionID}, nil
}

// TaskDescription builds the human-readable task text from the ticket's
// metadata; the body itself is summarized by length only.
func TaskDescription(t domain.Ticket) string {
	return fmt.Sprintf(
		"Flesh out ticket %s (%q) in project %s: status %s, priority %s, current body is %d characters. Add tasks, acceptance criteria, dependencies, success metrics, and implementation details.",
		t.ID, t.Title, t.Project, t.Status, t.Priority, len(t.Body),
	)
}
