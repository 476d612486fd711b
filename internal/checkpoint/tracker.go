// internal/checkpoint/tracker.go
package checkpoint

import (
	"sort"
	"sync"
	"time"

	"sessionvault/internal/models"
)

// Tracker accumulates session activity since the last checkpoint and decides when an
// automatic checkpoint is due.
type Tracker struct {
	mu             sync.Mutex
	interval       time.Duration
	threshold      int
	files          map[string]time.Time // path -> last recorded change
	lastCheckpoint time.Time
	lastActivity   time.Time
	signal         chan struct{}
}

// NewTracker creates a tracker whose clock starts at start.
func NewTracker(interval time.Duration, threshold int, start time.Time) *Tracker {
	return &Tracker{
		interval:       interval,
		threshold:      threshold,
		files:          make(map[string]time.Time),
		lastCheckpoint: start,
		signal:         make(chan struct{}, 1),
	}
}

// Signal fires (coalesced) whenever the file threshold is reached.
func (t *Tracker) Signal() <-chan struct{} {
	return t.signal
}

// RecordFiles notes distinct changed paths. Paths already seen since the last
// checkpoint are not counted twice.
func (t *Tracker) RecordFiles(at time.Time, paths ...string) {
	t.mu.Lock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		if seen, ok := t.files[p]; !ok || at.After(seen) {
			t.files[p] = at
		}
	}
	if at.After(t.lastActivity) {
		t.lastActivity = at
	}
	due := len(t.files) >= t.threshold
	t.mu.Unlock()

	if due {
		select {
		case t.signal <- struct{}{}:
		default:
		}
	}
}

// ObserveStore is a progress.Observer: newly recorded files_modified entries count as
// changed files, and every commit counts as activity.
func (t *Tracker) ObserveStore(prev, next models.ProgressState) {
	var added []string
	for id, task := range next.TaskStates {
		before := make(map[string]struct{})
		for _, p := range prev.TaskStates[id].FilesModified {
			before[p] = struct{}{}
		}
		for _, p := range task.FilesModified {
			if _, ok := before[p]; !ok {
				added = append(added, p)
			}
		}
	}
	t.RecordFiles(next.LastActivity, added...)
}

// Pending returns the distinct paths changed since the last checkpoint, sorted.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingLocked()
}

func (t *Tracker) pendingLocked() []string {
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Evaluate returns the automatic trigger due at now, or nil. When the time and
// activity conditions hold together a single Coalesced trigger is returned.
func (t *Tracker) Evaluate(now time.Time) models.Trigger {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.lastCheckpoint)
	active := t.lastActivity.After(t.lastCheckpoint)
	timeDue := active && elapsed >= t.interval
	filesDue := len(t.files) >= t.threshold

	switch {
	case timeDue && filesDue:
		return models.Coalesced{Elapsed: elapsed, Paths: t.pendingLocked()}
	case timeDue:
		return models.TimeElapsed{Elapsed: elapsed}
	case filesDue:
		return models.FilesChanged{Paths: t.pendingLocked()}
	}
	return nil
}

// MarkCheckpoint resets the activity window after a checkpoint whose state was
// snapshotted at at. Changes recorded after that instant stay pending.
func (t *Tracker) MarkCheckpoint(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, changed := range t.files {
		if !changed.After(at) {
			delete(t.files, p)
		}
	}
	if at.After(t.lastCheckpoint) {
		t.lastCheckpoint = at
	}
}

// LastCheckpoint returns the time of the last checkpoint.
func (t *Tracker) LastCheckpoint() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCheckpoint
}
