package recovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"sessionvault/internal/integrity"
	"sessionvault/internal/models"
)

// TaskChange is a task whose status or progress would change on recovery.
type TaskChange struct {
	TaskID       string            `json:"task_id"`
	FromStatus   models.TaskStatus `json:"from_status"`
	ToStatus     models.TaskStatus `json:"to_status"`
	FromProgress float64           `json:"from_progress"`
	ToProgress   float64           `json:"to_progress"`
	Regression   bool              `json:"regression"`
}

// ImpactReport previews what a recovery would change. It is computed without mutating
// anything.
type ImpactReport struct {
	CheckpointID      string            `json:"checkpoint_id"`
	CheckpointTime    time.Time         `json:"checkpoint_time"`
	WorkLost          time.Duration     `json:"work_lost"`
	Validation        integrity.Report  `json:"validation"`
	OverallFrom       float64           `json:"overall_from"`
	OverallTo         float64           `json:"overall_to"`
	TaskChanges       []TaskChange      `json:"task_changes"`
	TasksRemoved      []string          `json:"tasks_removed"`
	DecisionsDropped  []models.Decision `json:"decisions_dropped"`
	BlockersReopened  []string          `json:"blockers_reopened"`
	BlockersDropped   []string          `json:"blockers_dropped"`
	FilesOverwritten  []string          `json:"files_overwritten"`
	FilesRecreated    []string          `json:"files_recreated"`
	FilesDeleted      []string          `json:"files_deleted"`
	FilesUnrestorable []string          `json:"files_unrestorable"`
	FilesUnchanged    int               `json:"files_unchanged"`
}

// Regressions returns the task changes that move a task backwards.
func (r *ImpactReport) Regressions() []TaskChange {
	var out []TaskChange
	for _, c := range r.TaskChanges {
		if c.Regression {
			out = append(out, c)
		}
	}
	return out
}

// ImpactOf compares the live session with checkpoint id. The checkpoint is reserved
// while it is read so retention cannot delete it mid-comparison.
func (e *Engine) ImpactOf(ctx context.Context, id string) (*ImpactReport, error) {
	release, err := e.storage.Reserve(id)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := e.storage.Load(id)
	if err != nil {
		return nil, err
	}
	validation, err := integrity.ValidateStructure(ctx, cp, e.storage)
	if err != nil {
		return nil, err
	}
	return e.impact(ctx, cp, validation)
}

// impact diffs the live session against a loaded checkpoint. The caller holds a
// reservation on cp.
func (e *Engine) impact(ctx context.Context, cp *models.Checkpoint, validation integrity.Report) (*ImpactReport, error) {
	live := e.store.Snapshot()

	report := &ImpactReport{
		CheckpointID:      cp.ID,
		CheckpointTime:    cp.Timestamp,
		Validation:        validation,
		OverallFrom:       live.OverallProgress,
		OverallTo:         cp.State.OverallProgress,
		TaskChanges:       []TaskChange{},
		TasksRemoved:      []string{},
		DecisionsDropped:  []models.Decision{},
		BlockersReopened:  []string{},
		BlockersDropped:   []string{},
		FilesOverwritten:  []string{},
		FilesRecreated:    []string{},
		FilesDeleted:      []string{},
		FilesUnrestorable: []string{},
	}
	if lost := e.now().Sub(cp.Timestamp); lost > 0 {
		report.WorkLost = lost
	}

	diffTasks(live, cp.State, report)
	diffDecisions(live, cp.State, report)
	diffBlockers(live, cp.State, report)
	if err := e.diffFiles(ctx, cp, report); err != nil {
		return nil, err
	}
	return report, nil
}

func diffTasks(live, target models.ProgressState, report *ImpactReport) {
	for _, id := range live.TaskIDs() {
		now := live.TaskStates[id]
		then, ok := target.TaskStates[id]
		if !ok {
			report.TasksRemoved = append(report.TasksRemoved, id)
			continue
		}
		if now.Status == then.Status && now.ProgressPercentage == then.ProgressPercentage {
			continue
		}
		report.TaskChanges = append(report.TaskChanges, TaskChange{
			TaskID:       id,
			FromStatus:   now.Status,
			ToStatus:     then.Status,
			FromProgress: now.ProgressPercentage,
			ToProgress:   then.ProgressPercentage,
			Regression:   then.ProgressPercentage < now.ProgressPercentage || rank(then.Status) < rank(now.Status),
		})
	}
	for _, id := range target.TaskIDs() {
		if _, ok := live.TaskStates[id]; !ok {
			// Known only to the checkpoint.
			report.TaskChanges = append(report.TaskChanges, TaskChange{
				TaskID:     id,
				ToStatus:   target.TaskStates[id].Status,
				ToProgress: target.TaskStates[id].ProgressPercentage,
			})
		}
	}
}

// rank orders statuses by how far along the work is.
func rank(s models.TaskStatus) int {
	switch s {
	case models.StatusPending:
		return 0
	case models.StatusInProgress, models.StatusBlocked:
		return 1
	}
	return 2
}

func diffDecisions(live, target models.ProgressState, report *ImpactReport) {
	known := make(map[string]struct{}, len(target.Decisions))
	for _, d := range target.Decisions {
		known[d.ID] = struct{}{}
	}
	for _, d := range live.Decisions {
		if _, ok := known[d.ID]; !ok {
			report.DecisionsDropped = append(report.DecisionsDropped, d)
		}
	}
}

func diffBlockers(live, target models.ProgressState, report *ImpactReport) {
	for id := range target.BlockersActive {
		if _, ok := live.BlockersActive[id]; !ok {
			report.BlockersReopened = append(report.BlockersReopened, id)
		}
	}
	for id := range live.BlockersActive {
		if _, ok := target.BlockersActive[id]; !ok {
			report.BlockersDropped = append(report.BlockersDropped, id)
		}
	}
	sort.Strings(report.BlockersReopened)
	sort.Strings(report.BlockersDropped)
}

func (e *Engine) diffFiles(ctx context.Context, cp *models.Checkpoint, report *ImpactReport) error {
	for _, path := range cp.FilePaths() {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap := cp.Files[path]
		current, err := os.ReadFile(e.manager.Resolve(path))
		exists := err == nil
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}

		switch {
		case snap.Missing:
			if exists {
				report.FilesDeleted = append(report.FilesDeleted, path)
			} else {
				report.FilesUnchanged++
			}
		case !snap.Restorable() || !e.storage.HasBlob(snap.ContentHash):
			report.FilesUnrestorable = append(report.FilesUnrestorable, path)
		case !exists:
			report.FilesRecreated = append(report.FilesRecreated, path)
		case integrity.HashBytes(current) != snap.ContentHash:
			report.FilesOverwritten = append(report.FilesOverwritten, path)
		default:
			report.FilesUnchanged++
		}
	}
	return nil
}
