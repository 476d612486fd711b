// Package recovery previews and performs restores of the live session from a stored
// checkpoint.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/fsx"
	"sessionvault/internal/integrity"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
	"sessionvault/internal/telemetry"
)

// Engine restores a manager's progress store and workspace files from its checkpoints.
type Engine struct {
	manager *checkpoint.Manager
	storage *checkpoint.Storage
	store   *progress.Store

	logger  *zap.Logger
	events  *eventhub.EventHub
	metrics *telemetry.Metrics
	now     func() time.Time

	// mu allows one recovery at a time.
	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithEvents(hub *eventhub.EventHub) Option {
	return func(e *Engine) { e.events = hub }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a recovery engine for m.
func New(m *checkpoint.Manager, opts ...Option) *Engine {
	e := &Engine{
		manager: m,
		storage: m.Storage(),
		store:   m.Store(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result describes a completed recovery.
type Result struct {
	SourceID             string               `json:"source_checkpoint_id"`
	RecoveryCheckpointID string               `json:"recovery_checkpoint_id,omitempty"`
	State                models.ProgressState `json:"state"`
	FilesRestored        []string             `json:"files_restored"`
	FilesDeleted         []string             `json:"files_deleted"`
	BackupPath           string               `json:"backup_path,omitempty"`
	Validation           integrity.Report     `json:"validation"`
	Impact               *ImpactReport        `json:"impact"`
	Warnings             []string             `json:"warnings"`
}

// Recover replaces the live progress state and workspace files with the content of
// checkpoint id, then records a RECOVERY checkpoint of the restored state. The impact
// is computed before anything is mutated. Without confirmation nothing is touched and
// the returned ConfirmationRequiredError carries the impact as its Preview. The
// checkpoint is reserved for the whole operation so retention cannot delete it
// underneath.
func (e *Engine) Recover(ctx context.Context, id string, confirmed bool) (*Result, error) {
	if !confirmed {
		impact, err := e.ImpactOf(ctx, id)
		if err != nil {
			return nil, err
		}
		e.metrics.Recovery("unconfirmed")
		return nil, &errs.ConfirmationRequiredError{Operation: "recover", CheckpointID: id, Preview: impact}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.recover(ctx, id)
	if err != nil {
		outcome := "failed"
		if errs.IsCorrupted(err) {
			outcome = "corrupted"
		}
		e.metrics.Recovery(outcome)
		e.storage.Journal(database.OpRecover, id, database.OutcomeFailed, err.Error())
		e.logger.Error("recovery failed", zap.String("checkpoint_id", id), zap.Error(err))
		return nil, err
	}

	e.metrics.Recovery("ok")
	e.storage.Journal(database.OpRecover, id, database.OutcomeOK,
		fmt.Sprintf("restored %d files, recovery checkpoint %s", len(result.FilesRestored), result.RecoveryCheckpointID))
	e.events.EmitRecoveryCompleted(eventhub.RecoveryCompletedEvent{
		SourceID:      id,
		RecoveryID:    result.RecoveryCheckpointID,
		FilesRestored: len(result.FilesRestored),
		Warnings:      result.Warnings,
	})
	e.logger.Info("recovered from checkpoint",
		zap.String("checkpoint_id", id),
		zap.String("recovery_checkpoint_id", result.RecoveryCheckpointID),
		zap.Int("files_restored", len(result.FilesRestored)),
		zap.Int("warnings", len(result.Warnings)))
	return result, nil
}

func (e *Engine) recover(ctx context.Context, id string) (*Result, error) {
	release, err := e.storage.Reserve(id)
	if err != nil {
		return nil, err
	}
	defer release()

	report, err := e.manager.Validate(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Status == models.Invalid {
		return nil, &errs.CorruptedCheckpointError{CheckpointID: id, Issues: report.Issues}
	}
	cp, err := e.storage.Load(id)
	if err != nil {
		return nil, err
	}
	impact, err := e.impact(ctx, cp, report)
	if err != nil {
		return nil, fmt.Errorf("recover %s: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("recover %s: %w", id, err)
	}
	e.logger.Info("recovery impact",
		zap.String("checkpoint_id", id),
		zap.Duration("work_lost", impact.WorkLost),
		zap.Int("files_overwritten", len(impact.FilesOverwritten)),
		zap.Int("regressions", len(impact.Regressions())),
		zap.Int("decisions_dropped", len(impact.DecisionsDropped)))

	result := &Result{
		SourceID:      id,
		Validation:    report,
		Impact:        impact,
		FilesRestored: []string{},
		FilesDeleted:  []string{},
		Warnings:      append([]string{}, report.Warnings...),
	}

	backup, err := e.backup(id)
	if err != nil {
		return nil, err
	}
	result.BackupPath = backup

	if err := e.store.Replace(cp.State); err != nil {
		return nil, fmt.Errorf("replace progress state: %w", err)
	}
	e.restoreFiles(cp, result)
	result.State = e.store.Read()

	// The restore already happened; the RECOVERY checkpoint must not be lost to a late
	// cancellation.
	rcp, err := e.manager.Create(context.WithoutCancel(ctx), checkpoint.Request{
		Type:    models.TypeRecovery,
		Trigger: models.Restored{Source: id},
	})
	if err != nil {
		e.logger.Error("recovery checkpoint failed", zap.String("checkpoint_id", id), zap.Error(err))
		result.Warnings = append(result.Warnings, "recovery checkpoint not created: "+err.Error())
	} else {
		result.RecoveryCheckpointID = rcp.ID
	}
	return result, nil
}

// backup writes the live state to the backups directory before it is replaced.
func (e *Engine) backup(id string) (string, error) {
	live := e.store.Snapshot()
	raw, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode live state: %w", err)
	}
	name := fmt.Sprintf("progress-%s-before-%s.json", e.now().Format("20060102T150405.000000000Z"), id)
	return e.storage.WriteBackup(name, raw)
}

// restoreFiles writes every restorable snapshot back to disk and removes files the
// checkpoint recorded as absent. Failures become warnings.
func (e *Engine) restoreFiles(cp *models.Checkpoint, result *Result) {
	for _, path := range cp.FilePaths() {
		snap := cp.Files[path]
		target := e.manager.Resolve(path)

		if snap.Missing {
			err := os.Remove(target)
			switch {
			case err == nil:
				result.FilesDeleted = append(result.FilesDeleted, path)
			case !errors.Is(err, fs.ErrNotExist):
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: remove failed: %v", path, err))
			}
			continue
		}
		if !snap.Restorable() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: not restorable (%s)", path, snap.Status))
			continue
		}

		content, err := e.storage.ReadBlob(snap.ContentHash)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if integrity.HashBytes(content) != snap.ContentHash {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: content hash mismatch, not restored", path))
			continue
		}
		mode := fs.FileMode(snap.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := fsx.WriteFileAtomic(target, content, mode); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		result.FilesRestored = append(result.FilesRestored, path)
	}
	sort.Strings(result.Warnings)
}

// EmergencyRecover restores from the newest checkpoint that is not known to be
// invalid, falling back to older ones when validation finds corruption.
func (e *Engine) EmergencyRecover(ctx context.Context) (*Result, error) {
	rows, err := e.manager.List(ctx, checkpoint.Filter{})
	if err != nil {
		return nil, err
	}
	var corrupted []string
	for _, row := range rows {
		if row.ValidationStatus == models.Invalid {
			continue
		}
		result, err := e.Recover(ctx, row.ID, true)
		if err == nil {
			return result, nil
		}
		if !errs.IsCorrupted(err) {
			return nil, err
		}
		corrupted = append(corrupted, row.ID)
	}
	if len(corrupted) > 0 {
		return nil, fmt.Errorf("no usable checkpoint (corrupted: %s): %w",
			strings.Join(corrupted, ", "), &errs.NotFoundError{Kind: "checkpoint", ID: "usable"})
	}
	return nil, &errs.NotFoundError{Kind: "checkpoint", ID: "usable"}
}
