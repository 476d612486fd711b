// Package watcher reports workspace file activity with per-path debouncing.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventType represents the type of file system event
type EventType string

const (
	EventCreate EventType = "create"
	EventModify EventType = "modify"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event represents a file system event. Path is relative to the watched root and uses
// forward slashes.
type Event struct {
	Path string
	Type EventType
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger used for watch errors.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) { w.logger = logger }
}

// WithExclude adds glob patterns for paths that never produce events. A pattern matches
// a root-relative path, any of its components, or any of its parent directories.
func WithExclude(patterns ...string) Option {
	return func(w *Watcher) { w.exclude = append(w.exclude, patterns...) }
}

// Watcher watches a directory tree for file system events with debouncing
type Watcher struct {
	root       string
	debounce   time.Duration
	callback   func(Event)
	exclude    []string
	logger     *zap.Logger
	watcher    *fsnotify.Watcher
	done       chan struct{}
	started    bool
	closed     bool
	mu         sync.Mutex
	debouncer  map[string]*time.Timer
	debounceMu sync.Mutex
}

// New creates a Watcher for every directory under root that is not excluded.
// Dot directories and node_modules are always excluded.
func New(root string, debounce time.Duration, callback func(Event), opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to watch path %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to watch path %s: not a directory", root)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:      abs,
		debounce:  debounce,
		callback:  callback,
		logger:    zap.NewNop(),
		watcher:   fw,
		done:      make(chan struct{}),
		debouncer: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addTree(abs); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// AddPath adds a directory tree to watch
func (w *Watcher) AddPath(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	return w.addTree(dir)
}

// WatchList returns the root-relative directories currently watched.
func (w *Watcher) WatchList() []string {
	var out []string
	for _, dir := range w.watcher.WatchList() {
		if rel, ok := w.relative(dir); ok {
			out = append(out, rel)
		}
	}
	return out
}

// Start starts watching for events
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	if w.started {
		return fmt.Errorf("watcher already started")
	}

	w.started = true

	go w.watch()

	return nil
}

// Close stops watching and cleans up resources
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true

	if w.started {
		close(w.done)
	}

	// Cancel all pending debounce timers
	w.debounceMu.Lock()
	for _, timer := range w.debouncer {
		timer.Stop()
	}
	w.debouncer = make(map[string]*time.Timer)
	w.debounceMu.Unlock()

	return w.watcher.Close()
}

// Excluded reports whether a root-relative path is ignored.
func (w *Watcher) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ".") || part == "node_modules" {
			return true
		}
		prefix := strings.Join(parts[:i+1], "/")
		for _, pattern := range w.exclude {
			pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
			if ok, _ := path.Match(pattern, part); ok {
				return true
			}
			if ok, _ := path.Match(pattern, prefix); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to watch path %s: %w", p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(p); ok && w.Excluded(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch path %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) relative(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// watch is the main event loop
func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.String("root", w.root), zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// handleEvent processes a fsnotify event with debouncing
func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, ok := w.relative(event.Name)
	if !ok || rel == "." || w.Excluded(rel) {
		return
	}

	var eventType EventType

	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventCreate
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			if !w.closed {
				if err := w.addTree(event.Name); err != nil {
					w.logger.Warn("watch new directory", zap.String("path", rel), zap.Error(err))
				}
			}
			w.mu.Unlock()
			return
		}
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventModify
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventRename
	default:
		return
	}

	w.debounceEvent(Event{Path: rel, Type: eventType})
}

// debounceEvent debounces events for the same file
func (w *Watcher) debounceEvent(e Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debouncer[e.Path]; exists {
		timer.Stop()
	}

	w.debouncer[e.Path] = time.AfterFunc(w.debounce, func() {
		w.debounceMu.Lock()
		delete(w.debouncer, e.Path)
		w.debounceMu.Unlock()

		w.callback(e)
	})
}
