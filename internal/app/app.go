// Package app wires the store, watcher, hub, orchestrator and journal into
// one running synchronizer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ticketflow/internal/config"
	"ticketflow/internal/domain"
	"ticketflow/internal/enrich"
	"ticketflow/internal/hub"
	"ticketflow/internal/journal"
	"ticketflow/internal/ticket"
	"ticketflow/internal/watch"
)

// App owns the component lifecycle. Events flow one way: filesystem ->
// watcher -> Run loop -> hub / journal / orchestrator.
type App struct {
	Config       *config.Config
	Store        *ticket.Store
	Hub          *hub.Hub
	Watcher      *watch.Watcher
	Orchestrator *enrich.Orchestrator
	Journal      *journal.Journal
	Logger       *log.Logger
}

// New builds all components from config. The watcher is not started yet;
// Run starts it.
func New(cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	store, err := ticket.NewStore(cfg.TicketsDir)
	if err != nil {
		return nil, fmt.Errorf("open ticket store: %w", err)
	}
	store.Logger = logger

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}

	h := hub.New()
	h.Logger = logger

	agent := &enrich.HTTPAgent{
		URL:   cfg.Enrichment.AgentURL,
		Token: cfg.Enrichment.Token,
	}
	orchOpts := enrich.Options{
		Store:             store,
		Agent:             agent,
		Logger:            logger,
		Tool:              cfg.Enrichment.Tool,
		AgentID:           cfg.Enrichment.AgentID,
		Cleanup:           cfg.Enrichment.Cleanup,
		RunTimeout:        cfg.AgentRunTimeout(),
		RetryCeiling:      cfg.Enrichment.RetryCeiling,
		RetryDelay:        cfg.RetryDelay(),
		AgeWindow:         cfg.AgeWindow(),
		SuppressionWindow: cfg.SuppressionWindow(),
		ReconcileAfter:    cfg.ReconcileAfter(),
	}
	if jr != nil {
		orchOpts.Recorder = jr
	}
	orch := enrich.New(orchOpts)

	watcher, err := watch.New(watch.Config{
		Dir:      cfg.TicketsDir,
		Debounce: cfg.Debounce(),
		Match:    ticket.MatchesFileName,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &App{
		Config:       cfg,
		Store:        store,
		Hub:          h,
		Watcher:      watcher,
		Orchestrator: orch,
		Journal:      jr,
		Logger:       logger,
	}, nil
}

// Run starts the watcher and pumps its events until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Watcher.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	a.Logger.Printf("watching %s", a.Config.TicketsDir)

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case evt, ok := <-a.Watcher.Events():
			if !ok {
				a.shutdown()
				return nil
			}
			a.handle(ctx, evt)
		}
	}
}

func (a *App) handle(ctx context.Context, evt watch.Event) {
	id, ok := ticket.IDFromPath(evt.Path)
	if !ok && evt.Kind != watch.Error {
		return
	}
	switch evt.Kind {
	case watch.Created:
		t, err := a.Store.Get(ctx, id)
		if err != nil {
			// Created then deleted inside the debounce window.
			if !errors.Is(err, ticket.ErrNotFound) {
				a.Logger.Printf("read created ticket %s: %v", id, err)
				a.Hub.Publish(domain.Event{Kind: domain.EventError, ID: id, Message: err.Error()})
			}
			return
		}
		a.Hub.Publish(domain.Event{Kind: domain.EventCreated, Ticket: &t})
		a.journal(ctx, "ticket.created", id, map[string]any{"title": t.Title})
		a.Orchestrator.HandleCreated(t)
	case watch.Updated:
		t, err := a.Store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ticket.ErrNotFound) {
				a.Logger.Printf("read updated ticket %s: %v", id, err)
				a.Hub.Publish(domain.Event{Kind: domain.EventError, ID: id, Message: err.Error()})
			}
			return
		}
		a.Hub.Publish(domain.Event{Kind: domain.EventUpdated, Ticket: &t})
		a.journal(ctx, "ticket.updated", id, nil)
	case watch.Deleted:
		a.Hub.Publish(domain.Event{Kind: domain.EventDeleted, ID: id})
		a.journal(ctx, "ticket.deleted", id, nil)
	case watch.Error:
		a.Logger.Printf("watch error: %v", evt.Err)
		a.Hub.Publish(domain.Event{Kind: domain.EventError, Message: evt.Err.Error()})
	}
}

func (a *App) journal(ctx context.Context, evtType, id string, payload map[string]any) {
	if a.Journal == nil {
		return
	}
	if err := a.Journal.Append(ctx, evtType, id, payload); err != nil {
		a.Logger.Printf("journal %s for %s: %v", evtType, id, err)
	}
}

func (a *App) shutdown() {
	a.Watcher.Stop()
	a.Orchestrator.Shutdown()
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			a.Logger.Printf("close journal: %v", err)
		}
	}
}
