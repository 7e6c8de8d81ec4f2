package ticket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ticketflow/internal/domain"
)

// ErrNotFound is returned when no file exists for an identifier.
var ErrNotFound = errors.New("ticket not found")

// SortKey selects the comparator used by List.
type SortKey string

const (
	SortByID       SortKey = "id"
	SortByPriority SortKey = "priority"
	SortByCreated  SortKey = "created"
	SortByUpdated  SortKey = "updated"
)

// Filter restricts List results. Empty fields match everything; set fields
// are combined conjunctively.
type Filter struct {
	Status   string
	Priority string
	Project  string
	Assignee string
}

// Sort describes List ordering. Ascending is the default.
type Sort struct {
	Key        SortKey
	Descending bool
}

// CreateInput carries the caller-settable fields for a new ticket.
type CreateInput struct {
	Title    string
	Status   domain.Status
	Priority domain.Priority
	Project  string
	Assignee string
	Estimate *int
	Body     string
}

// Patch carries a partial update. Nil fields are left untouched. The
// identifier can never be changed.
type Patch struct {
	Title      *string
	Status     *domain.Status
	Priority   *domain.Priority
	Project    *string
	Assignee   *string
	Estimate   *int
	Body       *string
	Enrichment *domain.EnrichmentStatus
}

// Store reads and writes tickets as individual files in one flat directory.
// It performs no record-level locking: read-modify-write across callers is
// best effort. Creation is serialized within the process so identifier
// generation (max suffix + 1) cannot race with itself; concurrent creation
// from separate processes can still collide, which is an accepted non-goal.
type Store struct {
	dir    string
	Logger *log.Logger
	Now    func() time.Time

	createMu sync.Mutex
}

// NewStore creates a store over dir, creating the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tickets dir: %w", err)
	}
	return &Store{dir: dir, Now: time.Now}, nil
}

// Dir returns the watched directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, FileName(id))
}

// Get reads one ticket. Returns ErrNotFound when no file exists for the
// identifier; any other failure propagates unchanged.
func (s *Store) Get(ctx context.Context, id string) (domain.Ticket, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Ticket{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return domain.Ticket{}, err
	}
	return Decode(id, data)
}

// List reads every matching file, skipping (and logging) files that fail to
// parse, then filters and sorts. The sort is stable so equal keys keep their
// on-disk relative order.
func (s *Store) List(ctx context.Context, f Filter, srt Sort) ([]domain.Ticket, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	tickets := make([]domain.Ticket, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !MatchesFileName(e.Name()) {
			continue
		}
		id, _ := IDFromPath(e.Name())
		t, err := s.Get(ctx, id)
		if err != nil {
			s.logger().Printf("skipping unreadable ticket %s: %v", id, err)
			continue
		}
		if !f.matches(t) {
			continue
		}
		tickets = append(tickets, t)
	}
	sortTickets(tickets, srt)
	return tickets, nil
}

func (f Filter) matches(t domain.Ticket) bool {
	if f.Status != "" && string(t.Status) != f.Status {
		return false
	}
	if f.Priority != "" && string(t.Priority) != f.Priority {
		return false
	}
	if f.Project != "" && t.Project != f.Project {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	return true
}

func sortTickets(ts []domain.Ticket, srt Sort) {
	key := srt.Key
	if key == "" {
		key = SortByID
	}
	less := func(a, b domain.Ticket) bool {
		switch key {
		case SortByPriority:
			return a.Priority.Rank() < b.Priority.Rank()
		case SortByCreated:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortByUpdated:
			return a.UpdatedAt.Before(b.UpdatedAt)
		default:
			an, _ := ParseID(a.ID)
			bn, _ := ParseID(b.ID)
			return an < bn
		}
	}
	sort.SliceStable(ts, func(i, j int) bool {
		if srt.Descending {
			return less(ts[j], ts[i])
		}
		return less(ts[i], ts[j])
	})
}

// Create allocates the next identifier from the current directory listing
// and persists the new ticket. Creation and modification timestamps are
// stamped identically.
func (s *Store) Create(ctx context.Context, in CreateInput) (domain.Ticket, error) {
	if in.Title == "" {
		return domain.Ticket{}, errors.New("title is required")
	}
	if in.Status == "" {
		in.Status = domain.InitialStatus
	}
	if !in.Status.Valid() {
		return domain.Ticket{}, fmt.Errorf("invalid status %q", in.Status)
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if !in.Priority.Valid() {
		return domain.Ticket{}, fmt.Errorf("invalid priority %q", in.Priority)
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	next, err := s.nextID()
	if err != nil {
		return domain.Ticket{}, err
	}
	now := s.now().UTC()
	t := domain.Ticket{
		ID:        next,
		Title:     in.Title,
		Status:    in.Status,
		Priority:  in.Priority,
		Project:   in.Project,
		Assignee:  in.Assignee,
		Estimate:  in.Estimate,
		CreatedAt: now,
		UpdatedAt: now,
		Body:      in.Body,
	}
	if err := s.write(t); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

func (s *Store) nextID() (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("scan tickets dir: %w", err)
	}
	max := 0
	for _, e := range entries {
		id, ok := IDFromPath(e.Name())
		if !ok {
			continue
		}
		n, err := ParseID(id)
		if err == nil && n > max {
			max = n
		}
	}
	return FormatID(max + 1), nil
}

// Update merges the patch over the existing ticket and refreshes the
// modification timestamp unconditionally, even when no visible field
// changed: timestamp movement is a liveness signal for the orchestrator.
func (s *Store) Update(ctx context.Context, id string, p Patch) (domain.Ticket, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return domain.Ticket{}, fmt.Errorf("invalid status %q", *p.Status)
		}
		t.Status = *p.Status
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return domain.Ticket{}, fmt.Errorf("invalid priority %q", *p.Priority)
		}
		t.Priority = *p.Priority
	}
	if p.Project != nil {
		t.Project = *p.Project
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.Estimate != nil {
		t.Estimate = p.Estimate
	}
	if p.Body != nil {
		t.Body = *p.Body
	}
	if p.Enrichment != nil {
		es := *p.Enrichment
		t.Enrichment = &es
	}
	t.ID = id // identifier is immutable
	t.UpdatedAt = s.now().UTC()
	if err := s.write(t); err != nil {
		return domain.Ticket{}, err
	}
	return t, nil
}

// Delete removes the backing file. Returns ErrNotFound if it is absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return err
}

func (s *Store) write(t domain.Ticket) error {
	data, err := Encode(t)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(t.ID), data, 0o644)
}
