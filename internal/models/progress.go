// internal/models/progress.go
package models

import (
	"sort"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "Pending"
	StatusInProgress TaskStatus = "InProgress"
	StatusBlocked    TaskStatus = "Blocked"
	StatusCompleted  TaskStatus = "Completed"
	StatusCancelled  TaskStatus = "Cancelled"
)

// Valid reports whether s is one of the five known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions lists the allowed edges. Cancelled is reachable from every non-terminal
// status.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusBlocked, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusCancelled},
}

// CanTransition reports whether a task may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanEnter reports whether a newly created task may start in status s.
func CanEnter(s TaskStatus) bool {
	return s == StatusPending || s == StatusInProgress
}

// TaskRecord is the tracked state of one task.
type TaskRecord struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name,omitempty"`
	Status             TaskStatus `json:"status"`
	ProgressPercentage float64    `json:"progress_percentage"`
	Weight             float64    `json:"weight"`
	FilesModified      []string   `json:"files_modified"`
	BlockerReason      *string    `json:"blocker_reason"`
}

// TouchFile appends path to FilesModified unless it is already present.
func (t *TaskRecord) TouchFile(path string) bool {
	for _, existing := range t.FilesModified {
		if existing == path {
			return false
		}
	}
	t.FilesModified = append(t.FilesModified, path)
	return true
}

// Decision is an append-only record of a choice made during the session.
type Decision struct {
	ID           string    `json:"id"`
	DecisionText string    `json:"decision_text"`
	Rationale    string    `json:"rationale"`
	Timestamp    time.Time `json:"timestamp"`
}

// Blocker is an impediment raised against the session.
type Blocker struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	RaisedAt    time.Time  `json:"raised_at"`
	ResolvedAt  *time.Time `json:"resolved_at"`
}

// ProgressState is the live working state of a session.
type ProgressState struct {
	SessionID        string                `json:"session_id"`
	ActiveTaskID     string                `json:"active_task_id"`
	Phase            string                `json:"phase"`
	OverallProgress  float64               `json:"overall_progress"`
	TaskStates       map[string]TaskRecord `json:"task_states"`
	Decisions        []Decision            `json:"decisions"`
	BlockersActive   map[string]Blocker    `json:"blockers_active"`
	BlockersResolved []Blocker             `json:"blockers_resolved"`
	ContextSummary   string                `json:"context_summary"`
	NextAction       string                `json:"next_action"`
	LastActivity     time.Time             `json:"last_activity"`
}

// NewProgressState returns an empty, normalized state for a session.
func NewProgressState(sessionID string, now time.Time) ProgressState {
	s := ProgressState{SessionID: sessionID, LastActivity: now}
	s.Normalize()
	return s
}

// Normalize replaces nil collections with empty ones so that a state survives a JSON
// round trip unchanged.
func (s *ProgressState) Normalize() {
	if s.TaskStates == nil {
		s.TaskStates = map[string]TaskRecord{}
	}
	for id, task := range s.TaskStates {
		if task.FilesModified == nil {
			task.FilesModified = []string{}
			s.TaskStates[id] = task
		}
	}
	if s.Decisions == nil {
		s.Decisions = []Decision{}
	}
	if s.BlockersActive == nil {
		s.BlockersActive = map[string]Blocker{}
	}
	if s.BlockersResolved == nil {
		s.BlockersResolved = []Blocker{}
	}
}

// Clone returns a deep copy sharing no maps, slices or pointers with s.
func (s ProgressState) Clone() ProgressState {
	out := s
	out.TaskStates = make(map[string]TaskRecord, len(s.TaskStates))
	for id, task := range s.TaskStates {
		out.TaskStates[id] = task.Clone()
	}
	out.Decisions = append(make([]Decision, 0, len(s.Decisions)), s.Decisions...)
	out.BlockersActive = make(map[string]Blocker, len(s.BlockersActive))
	for id, b := range s.BlockersActive {
		out.BlockersActive[id] = b.Clone()
	}
	out.BlockersResolved = make([]Blocker, 0, len(s.BlockersResolved))
	for _, b := range s.BlockersResolved {
		out.BlockersResolved = append(out.BlockersResolved, b.Clone())
	}
	return out
}

// Clone returns a deep copy of the task.
func (t TaskRecord) Clone() TaskRecord {
	out := t
	out.FilesModified = append(make([]string, 0, len(t.FilesModified)), t.FilesModified...)
	if t.BlockerReason != nil {
		reason := *t.BlockerReason
		out.BlockerReason = &reason
	}
	return out
}

// Clone returns a deep copy of the blocker.
func (b Blocker) Clone() Blocker {
	out := b
	if b.ResolvedAt != nil {
		at := *b.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}

// ActiveTask returns the active task record, if any.
func (s ProgressState) ActiveTask() (TaskRecord, bool) {
	if s.ActiveTaskID == "" {
		return TaskRecord{}, false
	}
	task, ok := s.TaskStates[s.ActiveTaskID]
	return task, ok
}

// TaskIDs returns the task ids in sorted order.
func (s ProgressState) TaskIDs() []string {
	ids := make([]string, 0, len(s.TaskStates))
	for id := range s.TaskStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OpenFiles returns the sorted, de-duplicated union of files touched by non-terminal
// tasks.
func (s ProgressState) OpenFiles() []string {
	seen := make(map[string]struct{})
	for _, task := range s.TaskStates {
		if task.Status.Terminal() {
			continue
		}
		for _, path := range task.FilesModified {
			seen[path] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for path := range seen {
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

// CompletedRatio returns 100 × completed weight / non-cancelled weight. A task with a
// zero weight counts as 1.
func (s ProgressState) CompletedRatio() float64 {
	var done, total float64
	for _, task := range s.TaskStates {
		if task.Status == StatusCancelled {
			continue
		}
		w := task.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		if task.Status == StatusCompleted {
			done += w
		}
	}
	if total == 0 {
		return 0
	}
	return 100 * done / total
}

// SortedBlockers returns active blockers ordered by raise time, then id.
func (s ProgressState) SortedBlockers() []Blocker {
	out := make([]Blocker, 0, len(s.BlockersActive))
	for _, b := range s.BlockersActive {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
