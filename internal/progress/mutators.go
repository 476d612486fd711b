package progress

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"sessionvault/internal/errs"
	"sessionvault/internal/models"
)

// StartTask registers a new task in InProgress state and makes it the active task. If
// the task already exists and is Pending or Blocked it is moved to InProgress.
func StartTask(id, name string) Mutator {
	return func(s *models.ProgressState) error {
		if id == "" {
			return errs.NewValidationError("task id is empty")
		}
		task, ok := s.TaskStates[id]
		if !ok {
			task = models.TaskRecord{ID: id, Name: name, Weight: 1, FilesModified: []string{}}
		} else if name != "" {
			task.Name = name
		}
		if task.Status == models.StatusBlocked {
			task.BlockerReason = nil
		}
		task.Status = models.StatusInProgress
		s.TaskStates[id] = task
		s.ActiveTaskID = id
		return nil
	}
}

// AddTask registers a Pending task without changing the active task.
func AddTask(id, name string, weight float64) Mutator {
	return func(s *models.ProgressState) error {
		if id == "" {
			return errs.NewValidationError("task id is empty")
		}
		if _, exists := s.TaskStates[id]; exists {
			return errs.NewValidationError(fmt.Sprintf("task %s already exists", id))
		}
		if weight <= 0 {
			weight = 1
		}
		s.TaskStates[id] = models.TaskRecord{
			ID:            id,
			Name:          name,
			Status:        models.StatusPending,
			Weight:        weight,
			FilesModified: []string{},
		}
		return nil
	}
}

// SetStatus moves a task to status. Completing a task sets its progress to 100; a
// Blocked task takes reason as its blocker_reason.
func SetStatus(id string, status models.TaskStatus, reason string) Mutator {
	return func(s *models.ProgressState) error {
		task, ok := s.TaskStates[id]
		if !ok {
			return &errs.NotFoundError{Kind: "task", ID: id}
		}
		task.Status = status
		switch status {
		case models.StatusCompleted:
			task.ProgressPercentage = 100
			task.BlockerReason = nil
		case models.StatusBlocked:
			if reason != "" {
				task.BlockerReason = &reason
			}
		default:
			task.BlockerReason = nil
		}
		s.TaskStates[id] = task
		return nil
	}
}

// SetTaskProgress sets a task's progress percentage.
func SetTaskProgress(id string, pct float64) Mutator {
	return func(s *models.ProgressState) error {
		task, ok := s.TaskStates[id]
		if !ok {
			return &errs.NotFoundError{Kind: "task", ID: id}
		}
		task.ProgressPercentage = pct
		s.TaskStates[id] = task
		return nil
	}
}

// SetOverallProgress sets the overall progress. Lowering it is rejected by Update.
func SetOverallProgress(pct float64) Mutator {
	return func(s *models.ProgressState) error {
		s.OverallProgress = pct
		return nil
	}
}

// TouchFiles records paths as modified by the task. Duplicates are ignored.
func TouchFiles(id string, paths ...string) Mutator {
	return func(s *models.ProgressState) error {
		task, ok := s.TaskStates[id]
		if !ok {
			return &errs.NotFoundError{Kind: "task", ID: id}
		}
		for _, p := range paths {
			if p != "" {
				task.TouchFile(p)
			}
		}
		s.TaskStates[id] = task
		return nil
	}
}

// AddDecision appends a decision stamped with at.
func AddDecision(text, rationale string, at time.Time) Mutator {
	return func(s *models.ProgressState) error {
		if text == "" {
			return errs.NewValidationError("decision text is empty")
		}
		s.Decisions = append(s.Decisions, models.Decision{
			ID:           uuid.New().String(),
			DecisionText: text,
			Rationale:    rationale,
			Timestamp:    at.UTC(),
		})
		return nil
	}
}

// RaiseBlocker adds an active blocker. Raising an existing id updates its description.
func RaiseBlocker(id, description string, at time.Time) Mutator {
	return func(s *models.ProgressState) error {
		if id == "" {
			id = uuid.New().String()
		}
		b, ok := s.BlockersActive[id]
		if !ok {
			b = models.Blocker{ID: id, RaisedAt: at.UTC()}
		}
		b.Description = description
		s.BlockersActive[id] = b
		return nil
	}
}

// ResolveBlocker moves an active blocker to the resolved history.
func ResolveBlocker(id string, at time.Time) Mutator {
	return func(s *models.ProgressState) error {
		b, ok := s.BlockersActive[id]
		if !ok {
			return &errs.NotFoundError{Kind: "blocker", ID: id}
		}
		resolved := at.UTC()
		b.ResolvedAt = &resolved
		delete(s.BlockersActive, id)
		s.BlockersResolved = append(s.BlockersResolved, b)
		return nil
	}
}

// SetContext updates the phase, context summary and next action. Empty arguments leave
// the current value untouched.
func SetContext(phase, summary, nextAction string) Mutator {
	return func(s *models.ProgressState) error {
		if phase != "" {
			s.Phase = phase
		}
		if summary != "" {
			s.ContextSummary = summary
		}
		if nextAction != "" {
			s.NextAction = nextAction
		}
		return nil
	}
}

// SetActiveTask points active_task_id at an existing task, or clears it with "".
func SetActiveTask(id string) Mutator {
	return func(s *models.ProgressState) error {
		if id != "" {
			if _, ok := s.TaskStates[id]; !ok {
				return &errs.NotFoundError{Kind: "task", ID: id}
			}
		}
		s.ActiveTaskID = id
		return nil
	}
}

// Chain applies mutators in order, stopping at the first error.
func Chain(fns ...Mutator) Mutator {
	return func(s *models.ProgressState) error {
		for _, fn := range fns {
			if err := fn(s); err != nil {
				return err
			}
		}
		return nil
	}
}
