// Package watch detects file-level changes in the ticket directory and turns
// raw filesystem notifications into semantic created/updated/deleted events.
package watch

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies detector events.
type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
	// Error carries a transport-level watch failure. The detector keeps
	// running after emitting one.
	Error Kind = "error"
)

// Event is one semantic file change.
type Event struct {
	Kind Kind
	Path string
	Err  error
}

// DefaultDebounce is the stabilization window applied before a create/write
// is reported. Writers that flush in several passes within this window
// produce a single event.
const DefaultDebounce = 300 * time.Millisecond

// Config parameterizes a Watcher.
type Config struct {
	// Dir is the single flat directory to watch, non-recursively.
	Dir string
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	// Match filters entries by bare filename; nil matches everything.
	Match func(name string) bool
	// Logger defaults to log.Default().
	Logger *log.Logger
}

type pending struct {
	timer   *time.Timer
	created bool
}

// Watcher watches one directory and emits Events after the stabilization
// window. It never reads file contents.
type Watcher struct {
	cfg    Config
	fsw    *fsnotify.Watcher
	events chan Event

	mu      sync.Mutex
	pending map[string]*pending

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Watcher. Call Start to begin watching.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch: dir is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Watcher{
		cfg:     cfg,
		events:  make(chan Event, 64),
		pending: make(map[string]*pending),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the semantic event stream. The channel is never closed;
// after Stop no new events are produced beyond what is already buffered.
func (w *Watcher) Events() <-chan Event { return w.events }

// Start registers the directory watch and begins dispatching. Watch setup
// failures are returned immediately and are not retried.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := fsw.Add(w.cfg.Dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop is idempotent. It cancels the underlying watch handle, drops pending
// stabilization timers, and returns once the dispatch loop has exited.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Kind: Error, Err: err})
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.matches(ev.Name) {
		return
	}
	switch {
	case ev.Op.Has(fsnotify.Create):
		w.schedule(ev.Name, true)
	case ev.Op.Has(fsnotify.Write):
		w.schedule(ev.Name, false)
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.cancelPending(ev.Name)
		w.emit(Event{Kind: Deleted, Path: ev.Name})
	}
}

func (w *Watcher) matches(path string) bool {
	if w.cfg.Match == nil {
		return true
	}
	return w.cfg.Match(filepath.Base(path))
}

// schedule arms (or re-arms) the stabilization timer for a path. A create
// followed by writes within the window still reports as a single created
// event.
func (w *Watcher) schedule(path string, created bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.created = p.created || created
		p.timer.Reset(w.cfg.Debounce)
		return
	}
	p := &pending{created: created}
	p.timer = time.AfterFunc(w.cfg.Debounce, func() { w.fire(path) })
	w.pending[path] = p
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	kind := Updated
	if p.created {
		kind = Created
	}
	w.emit(Event{Kind: kind, Path: path})
}

func (w *Watcher) emit(ev Event) {
	select {
	case <-w.done:
	case w.events <- ev:
	}
}
