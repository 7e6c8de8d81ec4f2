package domain

import "time"

// Status is the lifecycle status of a ticket.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
)

// InitialStatus is the status a ticket starts in.
const InitialStatus = StatusBacklog

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Priority is the urgency of a ticket. High sorts before medium before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the total order used for sorting: high < medium < low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// EnrichmentState tracks where an enrichment job is in its lifecycle.
type EnrichmentState string

const (
	EnrichmentPending    EnrichmentState = "pending"
	EnrichmentInProgress EnrichmentState = "in-progress"
	EnrichmentComplete   EnrichmentState = "complete"
	EnrichmentFailed     EnrichmentState = "failed"
	EnrichmentManual     EnrichmentState = "manual"
)

// Terminal reports whether the state is final.
func (s EnrichmentState) Terminal() bool {
	switch s {
	case EnrichmentComplete, EnrichmentFailed, EnrichmentManual:
		return true
	}
	return false
}

// EnrichmentStatus is the persisted sub-record tracking one ticket's
// enrichment job. It is written only by the enrichment orchestrator and,
// once present, is overwritten rather than deleted.
type EnrichmentStatus struct {
	Status      EnrichmentState `json:"status" yaml:"status" enum:"pending,in-progress,complete,failed,manual"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty" yaml:"triggeredAt,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" yaml:"completedAt,omitempty"`
	SessionKey  string          `json:"session_key,omitempty" yaml:"sessionKey,omitempty"`
	Attempts    int             `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	LastError   string          `json:"last_error,omitempty" yaml:"lastError,omitempty"`
}

// Ticket is one flat text record: structured metadata plus a free-text body.
// The identifier is derived from the backing filename and is immutable.
type Ticket struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Status     Status            `json:"status" enum:"backlog,todo,in-progress,done"`
	Priority   Priority          `json:"priority" enum:"low,medium,high"`
	Project    string            `json:"project,omitempty"`
	Assignee   string            `json:"assignee,omitempty"`
	Estimate   *int              `json:"estimate,omitempty"`
	CreatedAt  time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt  time.Time         `json:"updated_at" format:"date-time"`
	Body       string            `json:"body,omitempty"`
	Enrichment *EnrichmentStatus `json:"enrichment,omitempty"`
}

// EventKind classifies broadcast events.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventDeleted  EventKind = "deleted"
	EventError    EventKind = "error"
)

// Event is one broadcast to connected subscribers. Created/updated carry the
// full ticket; deleted carries only the identifier; snapshot carries the full
// listing and is sent once per new subscriber.
type Event struct {
	Kind    EventKind `json:"kind"`
	Ticket  *Ticket   `json:"ticket,omitempty"`
	Tickets []Ticket  `json:"tickets,omitempty"`
	ID      string    `json:"id,omitempty"`
	Message string    `json:"message,omitempty"`
}
