// Package enrich decides, exactly once per newly created ticket, whether an
// asynchronous enrichment job should run, invokes the external agent, tracks
// in-flight sessions, retries transient failures, and reconciles sessions
// whose completion signal never arrives.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticketflow/internal/domain"
	"ticketflow/internal/ticket"
)

// Defaults for the orchestration knobs.
const (
	DefaultRetryCeiling      = 3
	DefaultRetryDelay        = 5 * time.Second
	DefaultAgeWindow         = 5 * time.Minute
	DefaultSuppressionWindow = 10 * time.Minute
	DefaultReconcileAfter    = 10 * time.Minute

	// ReconcileScoreThreshold: at or above this score a timed-out session
	// is treated as evidence the agent finished without signalling.
	ReconcileScoreThreshold = 60
)

// Session is the in-memory record of one in-flight enrichment job. It is the
// sole authoritative membership test for "this process is enriching this
// ticket right now".
type Session struct {
	Key       string    `json:"session_key"`
	StartedAt time.Time `json:"started_at"`
}

// Recorder receives enrichment transitions for audit purposes. Append
// failures are logged, never propagated.
type Recorder interface {
	Append(ctx context.Context, evtType, ticketID string, payload map[string]any) error
}

// Options configures an Orchestrator. Zero-value durations and counts fall
// back to the package defaults.
type Options struct {
	Store    *ticket.Store
	Agent    Agent
	Recorder Recorder
	Logger   *log.Logger
	Now      func() time.Time

	Tool       string
	AgentID    string
	Cleanup    string
	RunTimeout time.Duration

	RetryCeiling      int
	RetryDelay        time.Duration
	AgeWindow         time.Duration
	SuppressionWindow time.Duration
	ReconcileAfter    time.Duration
}

// Orchestrator is the enrichment state machine. The session map is its
// exclusively owned mutable state; every check-then-set against it runs
// under mu.
type Orchestrator struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]Session

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an Orchestrator with defaults applied.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = DefaultRetryCeiling
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.AgeWindow <= 0 {
		opts.AgeWindow = DefaultAgeWindow
	}
	if opts.SuppressionWindow <= 0 {
		opts.SuppressionWindow = DefaultSuppressionWindow
	}
	if opts.ReconcileAfter <= 0 {
		opts.ReconcileAfter = DefaultReconcileAfter
	}
	return &Orchestrator{
		opts:     opts,
		sessions: make(map[string]Session),
		done:     make(chan struct{}),
	}
}

func (o *Orchestrator) now() time.Time { return o.opts.Now() }

// Shutdown stops new work. Outstanding retry loops and reconciliation timers
// are not awaited; late firings no-op against the closed done channel.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() { close(o.done) })
}

// Wait blocks until dispatched background invocations finish. Used by tests
// and one-shot CLI triggers.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Sessions returns a read-only snapshot of the in-flight session map.
func (o *Orchestrator) Sessions() map[string]Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Session, len(o.sessions))
	for id, s := range o.sessions {
		out[id] = s
	}
	return out
}

// ShouldEnrich is the eligibility predicate, evaluated only for created
// events. All five conditions must hold.
func (o *Orchestrator) ShouldEnrich(t domain.Ticket) bool {
	now := o.now()

	// 1. Nothing already pending or in flight, on disk or in this process.
	if es := t.Enrichment; es != nil && !es.Status.Terminal() {
		return false
	}
	o.mu.Lock()
	_, live := o.sessions[t.ID]
	o.mu.Unlock()
	if live {
		return false
	}

	// 2. Untriaged: initial status, or no size estimate yet.
	if t.Status != domain.InitialStatus && t.Estimate != nil {
		return false
	}

	// 3. Under-specified content: short body, or no implementation
	// details section. Length-or-marker, not both.
	if len(t.Body) >= ShortBodyThreshold && hasSection(t.Body, "implementation details") {
		return false
	}

	// 4. Only fresh tickets; never old backlog.
	if now.Sub(t.CreatedAt) >= o.opts.AgeWindow {
		return false
	}

	// 5. Suppression window after the previous terminal outcome. This is
	// what bounds the self-observation loop: our own status write lands
	// as an updated event, and a completed pass cannot re-trigger until
	// the window has passed.
	if es := t.Enrichment; es != nil && es.CompletedAt != nil {
		if now.Sub(*es.CompletedAt) < o.opts.SuppressionWindow {
			return false
		}
	}
	return true
}

// HandleCreated reacts to a created event. When the ticket is eligible the
// invocation runs as a background task so the caller's event loop never
// blocks on retries.
func (o *Orchestrator) HandleCreated(t domain.Ticket) {
	if !o.ShouldEnrich(t) {
		return
	}
	o.dispatch(t.ID)
}

// TriggerManual forces a transition into pending from any non-active state.
// It is subject to the same in-flight guard as automatic triggering.
func (o *Orchestrator) TriggerManual(ctx context.Context, id string) error {
	t, err := o.opts.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	_, live := o.sessions[id]
	o.mu.Unlock()
	if live {
		return fmt.Errorf("ticket %s: enrichment already in flight", id)
	}
	if es := t.Enrichment; es != nil && es.Status == domain.EnrichmentInProgress {
		return fmt.Errorf("ticket %s: enrichment already in progress", id)
	}
	o.dispatch(id)
	return nil
}

func (o *Orchestrator) dispatch(id string) {
	select {
	case <-o.done:
		return
	default:
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.invoke(context.Background(), id)
	}()
}

// invoke runs the invocation protocol for one ticket: pending write, up to
// RetryCeiling sequential attempts, then either an active session with a
// reconciliation timer or a terminal failed status.
func (o *Orchestrator) invoke(ctx context.Context, id string) {
	t, err := o.opts.Store.Get(ctx, id)
	if err != nil {
		o.opts.Logger.Printf("enrich %s: read before invoke: %v", id, err)
		return
	}

	// The in-flight guard is a check-then-set against the session map, so
	// both sides run under mu.
	o.mu.Lock()
	if _, live := o.sessions[id]; live {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	priorAttempts := 0
	if t.Enrichment != nil {
		priorAttempts = t.Enrichment.Attempts
	}

	if err := o.opts.Agent.Ready(); err != nil {
		// Hard precondition failure: no retry, immediate terminal state.
		o.writeStatus(ctx, id, domain.EnrichmentStatus{
			Status:      domain.EnrichmentFailed,
			TriggeredAt: timePtr(o.now()),
			CompletedAt: timePtr(o.now()),
			Attempts:    priorAttempts,
			LastError:   err.Error(),
		})
		o.record(ctx, "enrich.failed", id, map[string]any{"error": err.Error(), "precondition": true})
		return
	}

	key := uuid.New().String()
	triggered := o.now()
	o.writeStatus(ctx, id, domain.EnrichmentStatus{
		Status:      domain.EnrichmentPending,
		TriggeredAt: &triggered,
		SessionKey:  key,
		Attempts:    priorAttempts + 1,
	})
	o.record(ctx, "enrich.pending", id, map[string]any{"session_key": key})

	task := Task{
		Tool:        o.opts.Tool,
		AgentID:     o.opts.AgentID,
		Description: TaskDescription(t),
		Cleanup:     o.opts.Cleanup,
		RunTimeout:  o.opts.RunTimeout,
	}

	var lastErr error
	tries := 0
	for attempt := 1; attempt <= o.opts.RetryCeiling; attempt++ {
		tries = attempt
		ack, err := o.opts.Agent.Invoke(ctx, task)
		if err == nil {
			o.mu.Lock()
			o.sessions[id] = Session{Key: key, StartedAt: o.now()}
			o.mu.Unlock()
			o.writeStatus(ctx, id, domain.EnrichmentStatus{
				Status:      domain.EnrichmentInProgress,
				TriggeredAt: &triggered,
				SessionKey:  key,
				Attempts:    priorAttempts + tries,
			})
			o.record(ctx, "enrich.started", id, map[string]any{
				"session_key":   key,
				"agent_session": ack.SessionID,
				"attempts":      priorAttempts + tries,
			})
			o.armReconcile(id, key)
			return
		}
		lastErr = err
		o.opts.Logger.Printf("enrich %s: attempt %d/%d failed: %v", id, attempt, o.opts.RetryCeiling, err)
		if attempt < o.opts.RetryCeiling && !o.sleep(o.opts.RetryDelay) {
			break
		}
	}

	completed := o.now()
	o.writeStatus(ctx, id, domain.EnrichmentStatus{
		Status:      domain.EnrichmentFailed,
		TriggeredAt: &triggered,
		CompletedAt: &completed,
		SessionKey:  key,
		Attempts:    priorAttempts + tries,
		LastError:   errText(lastErr),
	})
	o.record(ctx, "enrich.failed", id, map[string]any{"error": errText(lastErr), "attempts": priorAttempts + tries})
}

// sleep waits for the retry delay; false means shutdown began.
func (o *Orchestrator) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) armReconcile(id, key string) {
	time.AfterFunc(o.opts.ReconcileAfter, func() {
		select {
		case <-o.done:
			return
		default:
		}
		o.reconcile(context.Background(), id, key)
	})
}

// reconcile wakes once per session. The watcher never reports "job
// succeeded", only "file changed", so a session still present after the
// timeout is resolved heuristically by quality score.
func (o *Orchestrator) reconcile(ctx context.Context, id, key string) {
	o.mu.Lock()
	s, ok := o.sessions[id]
	if !ok || s.Key != key {
		// Session replaced or already resolved; implicit cancellation.
		o.mu.Unlock()
		return
	}
	delete(o.sessions, id)
	o.mu.Unlock()

	t, err := o.opts.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			// Ticket deleted mid-flight: abandon reconciliation.
			o.record(ctx, "enrich.abandoned", id, map[string]any{"session_key": key})
			return
		}
		o.opts.Logger.Printf("enrich %s: reconcile read: %v", id, err)
		return
	}
	es := t.Enrichment
	if es == nil || es.Status != domain.EnrichmentInProgress || es.SessionKey != key {
		return
	}

	completed := o.now()
	next := *es
	next.CompletedAt = &completed
	if score := Score(t); score >= ReconcileScoreThreshold {
		// High score: the agent most likely finished but its completion
		// signal was lost.
		next.Status = domain.EnrichmentComplete
		o.record(ctx, "enrich.reconciled", id, map[string]any{"outcome": "complete", "score": score})
	} else {
		next.Status = domain.EnrichmentFailed
		next.LastError = "session timeout"
		o.record(ctx, "enrich.reconciled", id, map[string]any{"outcome": "failed", "score": score})
	}
	o.writeStatus(ctx, id, next)
}

// MarkComplete short-circuits the reconciliation timer: the session is
// removed and the persisted status becomes complete.
func (o *Orchestrator) MarkComplete(ctx context.Context, id string) error {
	return o.finish(ctx, id, domain.EnrichmentComplete, "")
}

// MarkFailed short-circuits the reconciliation timer with a failure reason.
func (o *Orchestrator) MarkFailed(ctx context.Context, id, reason string) error {
	return o.finish(ctx, id, domain.EnrichmentFailed, reason)
}

func (o *Orchestrator) finish(ctx context.Context, id string, state domain.EnrichmentState, reason string) error {
	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()

	t, err := o.opts.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	completed := o.now()
	next := domain.EnrichmentStatus{
		Status:      state,
		CompletedAt: &completed,
		LastError:   reason,
	}
	if es := t.Enrichment; es != nil {
		next.TriggeredAt = es.TriggeredAt
		next.SessionKey = es.SessionKey
		next.Attempts = es.Attempts
	}
	if _, err := o.opts.Store.Update(ctx, id, ticket.Patch{Enrichment: &next}); err != nil {
		return err
	}
	o.record(ctx, "enrich."+string(state), id, map[string]any{"reason": reason})
	return nil
}

// writeStatus persists an enrichment status transition. Background writes
// have no caller to report to, so failures are logged.
func (o *Orchestrator) writeStatus(ctx context.Context, id string, es domain.EnrichmentStatus) {
	if _, err := o.opts.Store.Update(ctx, id, ticket.Patch{Enrichment: &es}); err != nil {
		o.opts.Logger.Printf("enrich %s: write status %s: %v", id, es.Status, err)
	}
}

func (o *Orchestrator) record(ctx context.Context, evtType, id string, payload map[string]any) {
	if o.opts.Recorder == nil {
		return
	}
	if err := o.opts.Recorder.Append(ctx, evtType, id, payload); err != nil {
		o.opts.Logger.Printf("journal %s for %s: %v", evtType, id, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
