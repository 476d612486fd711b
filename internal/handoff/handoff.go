// Package handoff forces a checkpoint at a session boundary and packages a compact,
// resumable summary of where the work stands.
package handoff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/models"
	"sessionvault/internal/telemetry"
)

// ReasonKind says why the session is being handed off.
type ReasonKind string

const (
	UserRequested     ReasonKind = "UserRequested"
	SessionEnd        ReasonKind = "SessionEnd"
	ResourceExhausted ReasonKind = "ResourceExhausted"
	ContextLimit      ReasonKind = "ContextLimit"
)

// Emergency reports whether the reason forces an EMERGENCY checkpoint.
func (k ReasonKind) Emergency() bool {
	return k == ResourceExhausted || k == ContextLimit
}

func (k ReasonKind) Valid() bool {
	switch k {
	case UserRequested, SessionEnd, ResourceExhausted, ContextLimit:
		return true
	}
	return false
}

// ParseReasonKind parses a reason kind case-insensitively.
func ParseReasonKind(s string) (ReasonKind, error) {
	for _, k := range []ReasonKind{UserRequested, SessionEnd, ResourceExhausted, ContextLimit} {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", errs.NewValidationError(fmt.Sprintf("unknown handoff reason %q", s))
}

// Reason is the caller's handoff request.
type Reason struct {
	Kind   ReasonKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
}

func (r Reason) String() string {
	if r.Detail == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ": " + r.Detail
}

// TaskSummary is the handoff view of the active task.
type TaskSummary struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	Status   models.TaskStatus `json:"status"`
	Progress float64           `json:"progress"`
}

// Package is everything needed to resume the session elsewhere.
type Package struct {
	CheckpointID    string            `json:"checkpoint_id"`
	CheckpointType  models.Type       `json:"checkpoint_type"`
	SessionID       string            `json:"session_id"`
	CreatedAt       time.Time         `json:"created_at"`
	Reason          Reason            `json:"reason"`
	ActiveTask      *TaskSummary      `json:"active_task,omitempty"`
	NextAction      string            `json:"next_action"`
	Blockers        []models.Blocker  `json:"blockers"`
	Phase           string            `json:"phase,omitempty"`
	OverallProgress float64           `json:"overall_progress"`
	ContextSummary  string            `json:"context_summary,omitempty"`
	RecentDecisions []models.Decision `json:"recent_decisions"`
	ResumeHint      string            `json:"resume_hint"`
	Warnings        []string          `json:"warnings,omitempty"`
}

const recentDecisions = 3

// Coordinator runs handoffs against one checkpoint manager.
type Coordinator struct {
	manager *checkpoint.Manager
	budget  time.Duration

	logger  *zap.Logger
	events  *eventhub.EventHub
	metrics *telemetry.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithEvents(hub *eventhub.EventHub) Option {
	return func(c *Coordinator) { c.events = hub }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = metrics }
}

// New creates a coordinator. Each handoff completes within budget.
func New(m *checkpoint.Manager, budget time.Duration, opts ...Option) *Coordinator {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	c := &Coordinator{manager: m, budget: budget, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handoff forces a checkpoint and returns the resumable summary. Resource and context
// limits force an EMERGENCY checkpoint; other reasons take a MANUAL one and fall back to
// EMERGENCY when that fails, so the handoff completes even in degraded mode.
func (c *Coordinator) Handoff(ctx context.Context, reason Reason) (*Package, error) {
	if !reason.Kind.Valid() {
		return nil, errs.NewValidationError(fmt.Sprintf("unknown handoff reason %q", reason.Kind))
	}
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	var warnings []string
	cp, err := c.forceCheckpoint(ctx, reason, &warnings)
	if err != nil {
		c.manager.Storage().Journal(database.OpHandoff, "", database.OutcomeFailed, reason.String()+": "+err.Error())
		return nil, fmt.Errorf("handoff checkpoint: %w", err)
	}

	pkg := build(cp, reason)
	pkg.Warnings = warnings

	c.metrics.Handoff(string(reason.Kind))
	c.manager.Storage().Journal(database.OpHandoff, cp.ID, database.OutcomeOK, reason.String())
	c.events.EmitHandoffCompleted(eventhub.HandoffCompletedEvent{
		CheckpointID: cp.ID,
		Reason:       string(reason.Kind),
		Type:         string(cp.Type),
	})
	c.logger.Info("session handed off",
		zap.String("checkpoint_id", cp.ID),
		zap.String("type", string(cp.Type)),
		zap.String("reason", reason.String()))
	return pkg, nil
}

func (c *Coordinator) forceCheckpoint(ctx context.Context, reason Reason, warnings *[]string) (*models.Checkpoint, error) {
	if !reason.Kind.Emergency() {
		cp, err := c.manager.Create(ctx, checkpoint.Request{
			Trigger: models.Manual{Description: "Session handoff (" + reason.String() + ")"},
		})
		if err == nil {
			return cp, nil
		}
		c.logger.Warn("manual handoff checkpoint failed, falling back to emergency", zap.Error(err))
		*warnings = append(*warnings, "manual checkpoint failed: "+err.Error())
	}
	// The emergency path must finish even if the budget already ran out above.
	return c.manager.Emergency(context.WithoutCancel(ctx), reason.String())
}

func build(cp *models.Checkpoint, reason Reason) *Package {
	state := cp.State
	pkg := &Package{
		CheckpointID:    cp.ID,
		CheckpointType:  cp.Type,
		SessionID:       cp.SessionID,
		CreatedAt:       cp.Timestamp,
		Reason:          reason,
		Blockers:        state.SortedBlockers(),
		Phase:           state.Phase,
		OverallProgress: state.OverallProgress,
		ContextSummary:  state.ContextSummary,
		NextAction:      NextAction(state),
		ResumeHint:      fmt.Sprintf("sessionvault recover %s --confirm", cp.ID),
	}
	if task, ok := state.ActiveTask(); ok {
		pkg.ActiveTask = &TaskSummary{
			ID:       task.ID,
			Name:     task.Name,
			Status:   task.Status,
			Progress: task.ProgressPercentage,
		}
	}
	start := len(state.Decisions) - recentDecisions
	if start < 0 {
		start = 0
	}
	pkg.RecentDecisions = append([]models.Decision{}, state.Decisions[start:]...)
	return pkg
}

// NextAction returns the caller's planned next step or derives one from the active
// task.
func NextAction(state models.ProgressState) string {
	if state.NextAction != "" {
		return state.NextAction
	}
	task, ok := state.ActiveTask()
	if !ok {
		if next, found := firstPending(state); found {
			return "Start " + label(next)
		}
		return "Review task status and choose the next task"
	}
	switch task.Status {
	case models.StatusInProgress:
		return fmt.Sprintf("Continue %s (%.0f%% done)", label(task), task.ProgressPercentage)
	case models.StatusPending:
		return "Start " + label(task)
	case models.StatusBlocked:
		reason := "unknown reason"
		if task.BlockerReason != nil {
			reason = *task.BlockerReason
		}
		return fmt.Sprintf("Unblock %s: %s", label(task), reason)
	}
	if next, found := firstPending(state); found {
		return "Start " + label(next)
	}
	return "All tracked tasks are finished; review the session outcome"
}

func firstPending(state models.ProgressState) (models.TaskRecord, bool) {
	for _, id := range state.TaskIDs() {
		if t := state.TaskStates[id]; t.Status == models.StatusPending {
			return t, true
		}
	}
	return models.TaskRecord{}, false
}

func label(t models.TaskRecord) string {
	if t.Name == "" {
		return t.ID
	}
	return t.ID + " " + t.Name
}

// Render returns the compact text summary shown to whoever resumes the session.
func (p *Package) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session handoff (%s)\n", p.Reason)
	fmt.Fprintf(&b, "Resume from: %s [%s] at %s\n", p.CheckpointID, p.CheckpointType, p.CreatedAt.Format(time.RFC3339))
	if p.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", p.Phase)
	}
	fmt.Fprintf(&b, "Overall progress: %.0f%%\n", p.OverallProgress)
	if p.ActiveTask != nil {
		name := p.ActiveTask.ID
		if p.ActiveTask.Name != "" {
			name += " " + p.ActiveTask.Name
		}
		fmt.Fprintf(&b, "Active task: %s [%s, %.0f%%]\n", name, p.ActiveTask.Status, p.ActiveTask.Progress)
	} else {
		b.WriteString("Active task: none\n")
	}
	fmt.Fprintf(&b, "Next action: %s\n", p.NextAction)
	if len(p.Blockers) > 0 {
		b.WriteString("Blockers:\n")
		for _, bl := range p.Blockers {
			fmt.Fprintf(&b, "  - %s: %s\n", bl.ID, bl.Description)
		}
	}
	if len(p.RecentDecisions) > 0 {
		b.WriteString("Recent decisions:\n")
		for _, d := range p.RecentDecisions {
			if d.Rationale != "" {
				fmt.Fprintf(&b, "  - %s (%s)\n", d.DecisionText, d.Rationale)
			} else {
				fmt.Fprintf(&b, "  - %s\n", d.DecisionText)
			}
		}
	}
	if p.ContextSummary != "" {
		fmt.Fprintf(&b, "Context: %s\n", p.ContextSummary)
	}
	for _, w := range p.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	fmt.Fprintf(&b, "Resume: %s\n", p.ResumeHint)
	return b.String()
}
