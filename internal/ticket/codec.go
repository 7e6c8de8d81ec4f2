package ticket

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ticketflow/internal/domain"
)

const frontMatterDelim = "---"

// meta is the YAML front matter persisted ahead of the ticket body. The
// identifier is deliberately absent: it lives in the filename only.
type meta struct {
	Title      string                   `yaml:"title"`
	Status     domain.Status            `yaml:"status"`
	Priority   domain.Priority          `yaml:"priority"`
	Project    string                   `yaml:"project,omitempty"`
	Assignee   string                   `yaml:"assignee,omitempty"`
	Estimate   *int                     `yaml:"estimate,omitempty"`
	CreatedAt  time.Time                `yaml:"createdAt"`
	UpdatedAt  time.Time                `yaml:"updatedAt"`
	Enrichment *domain.EnrichmentStatus `yaml:"enrichment,omitempty"`
}

// Decode parses a ticket file: YAML front matter between two "---" lines,
// followed by the free-text body.
func Decode(id string, data []byte) (domain.Ticket, error) {
	head, body, err := splitFrontMatter(data)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", id, err)
	}
	var m meta
	if err := yaml.Unmarshal(head, &m); err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: invalid front matter: %w", id, err)
	}
	if m.Title == "" {
		return domain.Ticket{}, fmt.Errorf("ticket %s: title is required", id)
	}
	if !m.Status.Valid() {
		return domain.Ticket{}, fmt.Errorf("ticket %s: invalid status %q", id, m.Status)
	}
	if !m.Priority.Valid() {
		return domain.Ticket{}, fmt.Errorf("ticket %s: invalid priority %q", id, m.Priority)
	}
	return domain.Ticket{
		ID:         id,
		Title:      m.Title,
		Status:     m.Status,
		Priority:   m.Priority,
		Project:    m.Project,
		Assignee:   m.Assignee,
		Estimate:   m.Estimate,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		Body:       string(body),
		Enrichment: m.Enrichment,
	}, nil
}

// Encode serializes a ticket back to its file representation.
func Encode(t domain.Ticket) ([]byte, error) {
	m := meta{
		Title:      t.Title,
		Status:     t.Status,
		Priority:   t.Priority,
		Project:    t.Project,
		Assignee:   t.Assignee,
		Estimate:   t.Estimate,
		CreatedAt:  t.CreatedAt.UTC(),
		UpdatedAt:  t.UpdatedAt.UTC(),
		Enrichment: t.Enrichment,
	}
	head, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: marshal front matter: %w", t.ID, err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(head)
	buf.WriteString(frontMatterDelim + "\n")
	// The body is written verbatim so Decode(Encode(t)) returns the exact
	// bytes callers stored, blank lines and missing trailing newline included.
	buf.WriteString(t.Body)
	return buf.Bytes(), nil
}

func splitFrontMatter(data []byte) (head, body []byte, err error) {
	text := string(data)
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, nil, fmt.Errorf("missing front matter")
	}
	rest := text[len(frontMatterDelim)+1:]
	idx := strings.Index(rest, "\n"+frontMatterDelim+"\n")
	switch {
	case idx >= 0:
		head = []byte(rest[:idx+1])
		body = []byte(rest[idx+len(frontMatterDelim)+2:])
	case strings.HasSuffix(rest, "\n"+frontMatterDelim):
		head = []byte(rest[:len(rest)-len(frontMatterDelim)])
		body = nil
	default:
		return nil, nil, fmt.Errorf("unterminated front matter")
	}
	return head, body, nil
}
