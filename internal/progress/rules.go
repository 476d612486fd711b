package progress

import (
	"fmt"
	"sort"

	"sessionvault/internal/errs"
	"sessionvault/internal/models"
)

func checkStructure(state models.ProgressState) []string {
	return state.Violations()
}

// checkTransitions returns the first illegal status change, in task id order so the
// reported error is deterministic.
func checkTransitions(prev, next models.ProgressState) error {
	for _, id := range next.TaskIDs() {
		task := next.TaskStates[id]
		old, existed := prev.TaskStates[id]
		if !existed {
			if !models.CanEnter(task.Status) {
				return &errs.InvalidTransitionError{TaskID: id, From: "(new)", To: string(task.Status)}
			}
			continue
		}
		if !models.CanTransition(old.Status, task.Status) {
			return &errs.InvalidTransitionError{TaskID: id, From: string(old.Status), To: string(task.Status)}
		}
	}
	return nil
}

// checkEvolution enforces the rules that relate a new state to its predecessor.
func checkEvolution(prev, next models.ProgressState) []string {
	var out []string

	if next.SessionID != prev.SessionID {
		out = append(out, "session_id cannot change")
	}
	if next.OverallProgress < prev.OverallProgress {
		out = append(out, fmt.Sprintf("overall_progress cannot decrease (%.2f -> %.2f)", prev.OverallProgress, next.OverallProgress))
	}
	for id := range prev.TaskStates {
		if _, ok := next.TaskStates[id]; !ok {
			out = append(out, fmt.Sprintf("task %s cannot be removed; cancel it instead", id))
		}
	}
	for id, task := range prev.TaskStates {
		if !task.Status.Terminal() {
			continue
		}
		if after, ok := next.TaskStates[id]; ok && after.ProgressPercentage != task.ProgressPercentage {
			out = append(out, fmt.Sprintf("task %s is %s and cannot change progress", id, task.Status))
		}
	}

	if len(next.Decisions) < len(prev.Decisions) {
		out = append(out, "decisions are append-only")
	} else {
		for i, d := range prev.Decisions {
			if next.Decisions[i] != d {
				out = append(out, fmt.Sprintf("decision %s cannot be modified", d.ID))
			}
		}
	}

	sort.Strings(out)
	return out
}
