// internal/models/validate.go
package models

import (
	"fmt"
	"sort"
)

const progressEpsilon = 1e-9

// Violations returns the structural invariant violations of s, sorted. An empty result
// means the state is sound.
func (s ProgressState) Violations() []string {
	var out []string

	if s.SessionID == "" {
		out = append(out, "session_id is empty")
	}
	if s.OverallProgress < 0 || s.OverallProgress > 100 {
		out = append(out, fmt.Sprintf("overall_progress %.2f outside [0,100]", s.OverallProgress))
	}
	if ratio := s.CompletedRatio(); s.OverallProgress+progressEpsilon < ratio {
		out = append(out, fmt.Sprintf("overall_progress %.2f below completed weight %.2f", s.OverallProgress, ratio))
	}
	if s.ActiveTaskID != "" {
		if _, ok := s.TaskStates[s.ActiveTaskID]; !ok {
			out = append(out, fmt.Sprintf("active_task_id %s does not reference a task", s.ActiveTaskID))
		}
	}

	for id, task := range s.TaskStates {
		if task.ID != id {
			out = append(out, fmt.Sprintf("task %s is stored under key %s", task.ID, id))
		}
		if !task.Status.Valid() {
			out = append(out, fmt.Sprintf("task %s has unknown status %q", id, task.Status))
		}
		if task.ProgressPercentage < 0 || task.ProgressPercentage > 100 {
			out = append(out, fmt.Sprintf("task %s progress %.2f outside [0,100]", id, task.ProgressPercentage))
		}
		if task.Weight < 0 {
			out = append(out, fmt.Sprintf("task %s has negative weight", id))
		}
		if task.Status == StatusBlocked && (task.BlockerReason == nil || *task.BlockerReason == "") {
			out = append(out, fmt.Sprintf("task %s is blocked without a blocker_reason", id))
		}
		if task.Status == StatusCompleted && task.ProgressPercentage != 100 {
			out = append(out, fmt.Sprintf("task %s is completed at %.2f%%", id, task.ProgressPercentage))
		}
		seen := make(map[string]struct{}, len(task.FilesModified))
		for _, path := range task.FilesModified {
			if path == "" {
				out = append(out, fmt.Sprintf("task %s lists an empty file path", id))
				continue
			}
			if _, dup := seen[path]; dup {
				out = append(out, fmt.Sprintf("task %s lists %s twice", id, path))
			}
			seen[path] = struct{}{}
		}
	}

	decisionIDs := make(map[string]struct{}, len(s.Decisions))
	for _, d := range s.Decisions {
		if d.ID == "" {
			out = append(out, "decision with empty id")
			continue
		}
		if _, dup := decisionIDs[d.ID]; dup {
			out = append(out, fmt.Sprintf("decision %s recorded twice", d.ID))
		}
		decisionIDs[d.ID] = struct{}{}
	}

	for id, b := range s.BlockersActive {
		if b.ID != id {
			out = append(out, fmt.Sprintf("blocker %s is stored under key %s", b.ID, id))
		}
		if b.ResolvedAt != nil {
			out = append(out, fmt.Sprintf("blocker %s is resolved but still active", id))
		}
	}

	sort.Strings(out)
	return out
}
