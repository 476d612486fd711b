// Package progress owns the live ProgressState of a session.
//
// A Store is an explicitly constructed object: tests and callers create as many
// independent stores as they need. All mutation goes through Update, which applies a
// mutator to a private copy and commits it only if every transition and invariant holds.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sessionvault/internal/errs"
	"sessionvault/internal/fsx"
	"sessionvault/internal/models"
)

// Mutator edits a private copy of the state. Returning an error aborts the update.
type Mutator func(state *models.ProgressState) error

// Observer is notified after every committed update with copies of the previous and
// the new state.
type Observer func(prev, next models.ProgressState)

// Store holds the canonical ProgressState of one session.
//
// With a path configured the file on disk is the source of truth shared by every
// process using the same data directory: mutations run under an advisory lock on
// path+".lock" and start from the latest persisted state.
type Store struct {
	mu        sync.Mutex
	state     models.ProgressState
	published atomic.Pointer[models.ProgressState]

	path      string
	sessionID string
	now       func() time.Time
	logger    *zap.Logger

	// raw is the file content state was last loaded from or written as.
	raw []byte

	obsMu     sync.RWMutex
	observers []Observer
}

// Option configures a Store.
type Option func(*Store)

// WithPath persists the state as JSON at path after every commit.
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSessionID names a fresh session. It is ignored when a persisted state is loaded.
func WithSessionID(id string) Option {
	return func(s *Store) { s.sessionID = id }
}

// WithState seeds the store with an initial state instead of an empty one.
func WithState(state models.ProgressState) Option {
	return func(s *Store) { s.state = state.Clone() }
}

// Open creates a store. When a path is configured and a state file exists there, it is
// loaded; otherwise a fresh session is started and written out so that concurrent
// processes agree on the session.
func Open(opts ...Option) (*Store, error) {
	s := &Store{
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	fresh := false
	if s.path != "" && s.state.SessionID == "" {
		unlock, err := s.lock()
		if err != nil {
			return nil, err
		}
		defer unlock()

		raw, loaded, err := loadState(s.path)
		switch {
		case err == nil:
			s.state, s.raw = loaded, raw
		case errors.Is(err, os.ErrNotExist):
			fresh = true
		default:
			return nil, err
		}
	}
	if s.state.SessionID == "" {
		id := s.sessionID
		if id == "" {
			id = uuid.New().String()
		}
		s.state = models.NewProgressState(id, s.now())
	}
	s.state.Normalize()

	if violations := checkStructure(s.state); len(violations) > 0 {
		return nil, errs.NewValidationError(violations...)
	}
	if fresh {
		if err := s.persist(s.state); err != nil {
			return nil, err
		}
	}
	s.publish()
	return s, nil
}

func loadState(path string) ([]byte, models.ProgressState, error) {
	// #nosec G304 -- state path comes from configuration.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, models.ProgressState{}, err
	}
	var state models.ProgressState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, models.ProgressState{}, fmt.Errorf("decode progress state %s: %w", path, err)
	}
	state.Normalize()
	return raw, state, nil
}

// Read returns a deep copy of the last committed state. It never blocks on Update.
func (s *Store) Read() models.ProgressState {
	return s.published.Load().Clone()
}

// Sync picks up a state file rewritten by another process. Observers see the
// difference as an ordinary commit.
func (s *Store) Sync() error {
	s.mu.Lock()
	prev, reloaded, err := s.reloadLocked()
	next := s.state
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if reloaded {
		s.notify(prev, next)
	}
	return nil
}

// Update applies fn atomically. On any error the committed state is unchanged.
func (s *Store) Update(fn Mutator) (models.ProgressState, error) {
	reload, commit, err := s.commit(fn)
	if reload != nil {
		s.notify(reload.prev, reload.next)
	}
	if err != nil {
		return models.ProgressState{}, err
	}
	s.notify(commit.prev, commit.next)
	return commit.next.Clone(), nil
}

// change is a (prev, next) pair reported to observers once every lock is released.
type change struct {
	prev, next models.ProgressState
}

// commit runs the locked part of Update. reload is set when the file on disk was newer
// than the in-memory state.
func (s *Store) commit(fn Mutator) (reload, commit *change, err error) {
	unlock, err := s.lock()
	if err != nil {
		return nil, nil, err
	}
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	before, reloaded, err := s.reloadLocked()
	if err != nil {
		return nil, nil, err
	}
	if reloaded {
		reload = &change{prev: before, next: s.state}
	}

	prev := s.state
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return reload, nil, err
	}
	next.Normalize()

	if err := checkTransitions(prev, next); err != nil {
		return reload, nil, err
	}
	// A mutator that lowers overall progress is rejected before the completed-weight
	// floor is applied.
	violations := checkEvolution(prev, next)
	if ratio := next.CompletedRatio(); ratio > next.OverallProgress {
		next.OverallProgress = ratio
	}
	violations = append(violations, checkStructure(next)...)
	if len(violations) > 0 {
		return reload, nil, errs.NewValidationError(violations...)
	}
	next.LastActivity = s.now()

	if err := s.persist(next); err != nil {
		return reload, nil, err
	}
	s.state = next
	s.publish()
	return reload, &change{prev: prev, next: next}, nil
}

// Snapshot returns a deep copy of the latest committed state taken while holding the
// exclusive lock, so it can never interleave with an Update in this process. Commits
// made by other processes are picked up first.
func (s *Store) Snapshot() models.ProgressState {
	s.mu.Lock()
	prev, reloaded, err := s.reloadLocked()
	state := s.state.Clone()
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("reload progress state", zap.String("path", s.path), zap.Error(err))
	}
	if reloaded {
		s.notify(prev, state)
	}
	return state
}

// EmergencySnapshot tries to take the exclusive lock until ctx is done and falls back
// to the last published state, which is always a consistent committed copy. The bool
// reports whether the lock was obtained.
func (s *Store) EmergencySnapshot(ctx context.Context) (models.ProgressState, bool) {
	const retry = time.Millisecond
	for {
		if s.mu.TryLock() {
			prev, reloaded, err := s.reloadLocked()
			state := s.state.Clone()
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn("reload progress state", zap.String("path", s.path), zap.Error(err))
			}
			if reloaded {
				s.notify(prev, state)
			}
			return state, true
		}
		select {
		case <-ctx.Done():
			return s.published.Load().Clone(), false
		case <-time.After(retry):
		}
	}
}

// Replace installs state verbatim. It is reserved for recovery: the monotonic progress
// rule and last_activity bump do not apply.
func (s *Store) Replace(state models.ProgressState) error {
	next := state.Clone()
	next.Normalize()
	if violations := checkStructure(next); len(violations) > 0 {
		return errs.NewValidationError(violations...)
	}

	prev, err := s.install(next)
	if err != nil {
		return err
	}
	s.logger.Info("progress state replaced",
		zap.String("session_id", next.SessionID),
		zap.Float64("overall_progress", next.OverallProgress))
	s.notify(prev, next)
	return nil
}

func (s *Store) install(next models.ProgressState) (models.ProgressState, error) {
	unlock, err := s.lock()
	if err != nil {
		return models.ProgressState{}, err
	}
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if err := s.persist(next); err != nil {
		return prev, err
	}
	s.state = next
	s.publish()
	return prev, nil
}

// reloadLocked replaces the in-memory state with the file on disk when another process
// has rewritten it. The caller holds s.mu.
func (s *Store) reloadLocked() (prev models.ProgressState, reloaded bool, err error) {
	if s.path == "" {
		return prev, false, nil
	}
	// #nosec G304 -- state path comes from configuration.
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return prev, false, nil
	}
	if err != nil {
		return prev, false, fmt.Errorf("read progress state: %w", err)
	}
	if bytes.Equal(raw, s.raw) {
		return prev, false, nil
	}
	var loaded models.ProgressState
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return prev, false, fmt.Errorf("decode progress state %s: %w", s.path, err)
	}
	loaded.Normalize()
	if violations := checkStructure(loaded); len(violations) > 0 {
		return prev, false, errs.NewValidationError(violations...)
	}
	s.raw = raw
	prev = s.state
	s.state = loaded
	s.publish()
	s.logger.Debug("progress state reloaded from disk",
		zap.String("path", s.path),
		zap.Int("tasks", len(loaded.TaskStates)))
	return prev, true, nil
}

// lock serializes read-modify-write cycles across processes sharing s.path.
func (s *Store) lock() (func(), error) {
	if s.path == "" {
		return func() {}, nil
	}
	unlock, err := fsx.Lock(s.path + ".lock")
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unlock(); err != nil {
			s.logger.Warn("release progress lock", zap.Error(err))
		}
	}, nil
}

// Observe registers fn to be called after each committed change.
func (s *Store) Observe(fn Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Store) publish() {
	published := s.state.Clone()
	s.published.Store(&published)
}

func (s *Store) persist(state models.ProgressState) error {
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress state: %w", err)
	}
	if err := fsx.WriteFileAtomic(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("persist progress state: %w", err)
	}
	s.raw = raw
	return nil
}

func (s *Store) notify(prev, next models.ProgressState) {
	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(prev.Clone(), next.Clone())
	}
}
