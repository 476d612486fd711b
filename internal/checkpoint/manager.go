// internal/checkpoint/manager.go
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/integrity"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
	"sessionvault/internal/telemetry"
)

const degradedKey = "degraded"

// Manager creates checkpoints of one session's progress store.
type Manager struct {
	storage *Storage
	store   *progress.Store
	tracker *Tracker
	cfg     Config
	root    string

	logger  *zap.Logger
	events  *eventhub.EventHub
	metrics *telemetry.Metrics
	now     func() time.Time

	// mu serializes id allocation and publish so ids appear in creation order.
	mu sync.Mutex

	prunerMu sync.RWMutex
	pruner   Pruner

	degraded atomic.Bool
	pending  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEvents sets the lifecycle event hub.
func WithEvents(hub *eventhub.EventHub) Option {
	return func(m *Manager) { m.events = hub }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRoot sets the workspace root relative file paths are resolved against.
func WithRoot(root string) Option {
	return func(m *Manager) { m.root = root }
}

// NewManager creates a new checkpoint manager and subscribes its tracker to the store.
func NewManager(storage *Storage, store *progress.Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracker = NewTracker(m.cfg.Interval, m.cfg.FileChangeThreshold, m.now())
	store.Observe(m.tracker.ObserveStore)

	if v, err := storage.Setting(degradedKey); err == nil && v == "true" {
		m.degraded.Store(true)
		m.metrics.SetDegraded(true)
	}
	return m
}

// Storage returns the underlying storage.
func (m *Manager) Storage() *Storage { return m.storage }

// Store returns the progress store being checkpointed.
func (m *Manager) Store() *progress.Store { return m.store }

// Tracker returns the activity tracker feeding automatic triggers.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// SetPruner registers the service asked to free space before each checkpoint.
func (m *Manager) SetPruner(p Pruner) {
	m.prunerMu.Lock()
	defer m.prunerMu.Unlock()
	m.pruner = p
}

// Degraded reports whether non-emergency checkpoints are currently refused.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// SetDegraded enters or leaves degraded mode. The flag is persisted in the catalog.
func (m *Manager) SetDegraded(on bool, reason string) {
	if m.degraded.Swap(on) == on {
		return
	}
	value := "false"
	if on {
		value = "true"
	}
	if err := m.storage.SaveSetting(degradedKey, value); err != nil {
		m.logger.Warn("persist degraded flag failed", zap.Error(err))
	}
	m.metrics.SetDegraded(on)
	m.events.EmitStorageDegraded(eventhub.StorageDegradedEvent{Degraded: on, Reason: reason})
	if on {
		m.logger.Warn("entering degraded mode: non-emergency checkpoints refused", zap.String("reason", reason))
	} else {
		m.logger.Info("leaving degraded mode")
	}
}

// Create snapshots the progress store and the files of every non-terminal task into a
// new, published checkpoint.
func (m *Manager) Create(ctx context.Context, req Request) (*models.Checkpoint, error) {
	started := time.Now()
	if req.Trigger == nil {
		return nil, errs.NewValidationError("checkpoint trigger is required")
	}
	typ := models.TypeFor(req.Trigger)
	if req.Type != "" && req.Type != typ {
		return nil, errs.NewValidationError(fmt.Sprintf("trigger %s cannot produce a %s checkpoint", req.Trigger.Kind(), req.Type))
	}
	if manual, ok := req.Trigger.(models.Manual); ok {
		if req.Description == "" {
			req.Description = manual.Description
		}
		if req.Description == "" {
			return nil, errs.NewValidationError("manual checkpoints require a description")
		}
	}
	if req.Description == "" {
		req.Description = models.Describe(req.Trigger)
	}

	emergency := typ == models.TypeEmergency
	if m.degraded.Load() && typ != models.TypeEmergency && typ != models.TypeRecovery {
		return nil, m.exhaustedError()
	}
	if !emergency {
		if err := m.makeRoom(ctx, typ); err != nil {
			return nil, err
		}
	}

	var (
		state  models.ProgressState
		locked = true
	)
	snapshotAt := m.now()
	snapshotCtx := ctx
	if emergency {
		var cancel context.CancelFunc
		snapshotCtx, cancel = context.WithTimeout(ctx, m.cfg.EmergencyBudget)
		defer cancel()
		state, locked = m.store.EmergencySnapshot(snapshotCtx)
	} else {
		state = m.store.Snapshot()
	}
	if !locked {
		m.logger.Warn("emergency snapshot used last published state")
	}

	var release func()
	if emergency {
		var ok bool
		if release, ok = m.storage.TryHoldBlobs(); !ok {
			release = nil
		}
	} else {
		release = m.storage.HoldBlobs()
	}
	if release != nil {
		release = sync.OnceFunc(release)
		defer release()
	}

	files := m.snapshotFiles(snapshotCtx, state.OpenFiles(), release != nil, emergency)
	if !emergency {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("create checkpoint: %w", err)
		}
	}

	m.mu.Lock()
	cp, err := m.publish(ctx, typ, req, state, files)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if release != nil {
		release()
	}

	m.tracker.MarkCheckpoint(snapshotAt)
	m.afterPublish(ctx, cp, emergency)

	failed := 0
	for _, f := range cp.Files {
		m.metrics.SnapshotFile(string(f.Status))
		if f.Status != models.SnapshotOK {
			failed++
		}
	}
	m.metrics.CheckpointCreated(string(cp.Type), time.Since(started))
	if usage, err := m.storage.Usage(); err == nil {
		m.metrics.StorageUsage(usage.Count, usage.Bytes)
	}
	m.events.EmitCheckpointCreated(eventhub.CheckpointCreatedEvent{
		CheckpointID: cp.ID,
		Type:         string(cp.Type),
		Trigger:      string(cp.Trigger.Kind),
		Files:        len(cp.Files),
		FailedFiles:  failed,
		SizeBytes:    cp.SizeBytes,
		Timestamp:    cp.Timestamp,
	})
	m.storage.Journal(database.OpCreate, cp.ID, database.OutcomeOK, string(cp.Type)+": "+cp.Description)
	m.logger.Info("checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("type", string(cp.Type)),
		zap.String("trigger", string(cp.Trigger.Kind)),
		zap.Int("files", len(cp.Files)),
		zap.Int("failed_files", failed),
		zap.Duration("took", time.Since(started)))
	return cp, nil
}

func (m *Manager) publish(ctx context.Context, typ models.Type, req Request, state models.ProgressState, files map[string]models.FileSnapshot) (*models.Checkpoint, error) {
	id, err := m.storage.NextID()
	if err != nil {
		return nil, err
	}

	stateRaw, err := json.Marshal(state)
	if err != nil {
		return nil, &errs.SnapshotFailure{Err: fmt.Errorf("encode progress state: %w", err)}
	}
	size := int64(len(stateRaw))
	for _, f := range files {
		size += f.Size
	}

	cp := &models.Checkpoint{
		FormatVersion: models.FormatVersion,
		ID:            id,
		SessionID:     state.SessionID,
		Timestamp:     m.now(),
		Type:          typ,
		Trigger:       models.RecordOf(req.Trigger),
		Description:   req.Description,
		State:         state,
		Files:         files,
		SizeBytes:     size,
		RetentionDays: m.cfg.RetentionDays[typ],
	}
	if err := integrity.Seal(cp); err != nil {
		return nil, &errs.SnapshotFailure{Err: err}
	}

	if err := m.storage.Publish(ctx, cp, models.ValidationPending); err != nil {
		return nil, err
	}
	return cp, nil
}

// afterPublish validates the new checkpoint: synchronously for regular checkpoints,
// in the background for emergency ones so the budget is spent on durability only.
func (m *Manager) afterPublish(ctx context.Context, cp *models.Checkpoint, emergency bool) {
	if !emergency {
		if _, err := m.validate(ctx, cp); err != nil {
			m.logger.Warn("post-publish validation failed", zap.String("checkpoint_id", cp.ID), zap.Error(err))
		}
		return
	}
	quick := integrity.QuickCheck(cp)
	if quick.Status == models.Invalid {
		m.logger.Error("emergency checkpoint failed quick check",
			zap.String("checkpoint_id", cp.ID), zap.Strings("issues", quick.Issues))
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if _, err := m.validate(context.Background(), cp); err != nil {
			m.logger.Warn("deferred validation failed", zap.String("checkpoint_id", cp.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until every deferred validation has finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) snapshotFiles(ctx context.Context, paths []string, canWrite, emergency bool) map[string]models.FileSnapshot {
	results := make([]models.FileSnapshot, len(paths))
	if !canWrite {
		for i, p := range paths {
			results[i] = models.FileSnapshot{Path: p, Status: models.SnapshotSkipped, Error: "content pool busy"}
		}
		return toMap(results)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SnapshotConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				status := models.SnapshotSkipped
				if !emergency {
					status = models.SnapshotFailed
				}
				results[i] = models.FileSnapshot{Path: p, Status: status, Error: err.Error()}
				return nil
			}
			results[i] = m.snapshotFile(p)
			return nil
		})
	}
	_ = g.Wait()
	return toMap(results)
}

func toMap(snaps []models.FileSnapshot) map[string]models.FileSnapshot {
	out := make(map[string]models.FileSnapshot, len(snaps))
	for _, s := range snaps {
		out[s.Path] = s
	}
	return out
}

// snapshotFile captures one file. Failures are recorded on the snapshot, never returned.
func (m *Manager) snapshotFile(path string) models.FileSnapshot {
	snap := models.FileSnapshot{Path: path, Status: models.SnapshotOK}
	abs := m.Resolve(path)

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			snap.Missing = true
			return snap
		}
		return failed(snap, err)
	}
	if !info.Mode().IsRegular() {
		return failed(snap, fmt.Errorf("not a regular file"))
	}

	// #nosec G304 -- paths come from the session's own task records.
	content, err := os.ReadFile(abs)
	if err != nil {
		return failed(snap, err)
	}
	hash, err := m.storage.PutBlob(content)
	if err != nil {
		return failed(snap, err)
	}
	snap.ContentHash = hash
	snap.BackupLocation = filepath.Join(poolDir, hash)
	snap.Size = int64(len(content))
	snap.Mode = uint32(info.Mode().Perm())
	return snap
}

func failed(snap models.FileSnapshot, err error) models.FileSnapshot {
	failure := &errs.SnapshotFailure{Path: snap.Path, Err: err}
	snap.Status = models.SnapshotFailed
	snap.Error = failure.Error()
	return snap
}

// Resolve maps a recorded path to its location on disk.
func (m *Manager) Resolve(path string) string {
	if filepath.IsAbs(path) || m.root == "" {
		return path
	}
	return filepath.Join(m.root, path)
}

func (m *Manager) makeRoom(ctx context.Context, typ models.Type) error {
	m.prunerMu.RLock()
	p := m.pruner
	m.prunerMu.RUnlock()
	if p == nil {
		return nil
	}
	err := p.MakeRoom(ctx)
	if err == nil {
		return nil
	}
	if errs.IsStorageExhausted(err) && typ == models.TypeRecovery {
		m.logger.Warn("storage exhausted; writing recovery checkpoint anyway", zap.Error(err))
		return nil
	}
	return err
}

func (m *Manager) exhaustedError() error {
	usage, _ := m.storage.Usage()
	return &errs.StorageExhaustedError{Count: usage.Count, Bytes: usage.Bytes}
}

// AutoCheckpoint creates an AUTO checkpoint if the tracker says one is due. It returns
// nil, nil when nothing is due.
func (m *Manager) AutoCheckpoint(ctx context.Context) (*models.Checkpoint, error) {
	if err := m.store.Sync(); err != nil {
		m.logger.Warn("reload progress state", zap.Error(err))
	}
	trig := m.tracker.Evaluate(m.now())
	if trig == nil {
		return nil, nil
	}
	return m.Create(ctx, Request{Trigger: trig})
}

// Emergency creates an EMERGENCY checkpoint within the emergency budget.
func (m *Manager) Emergency(ctx context.Context, reason string) (*models.Checkpoint, error) {
	return m.Create(ctx, Request{Trigger: models.Emergency{Reason: reason}})
}

// Get loads a checkpoint record.
func (m *Manager) Get(id string) (*models.Checkpoint, error) {
	return m.storage.Load(id)
}

// List returns checkpoint summaries, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]models.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.storage.List(database.CheckpointFilter{Types: f.Types, Since: f.Since, Limit: f.Limit})
}

// Validate runs a full structural validation of a stored checkpoint and records the
// outcome in the catalog.
func (m *Manager) Validate(ctx context.Context, id string) (integrity.Report, error) {
	cp, err := m.storage.Load(id)
	if err != nil {
		var corrupted *errs.CorruptedCheckpointError
		if errors.As(err, &corrupted) {
			report := integrity.Report{
				CheckpointID: id,
				Status:       models.Invalid,
				Issues:       corrupted.Issues,
				Warnings:     []string{},
			}
			m.record(report)
			m.journalValidation(report)
			return report, nil
		}
		return integrity.Report{}, err
	}
	report, err := m.validate(ctx, cp)
	if err != nil {
		return integrity.Report{}, err
	}
	m.journalValidation(report)
	return report, nil
}

func (m *Manager) journalValidation(report integrity.Report) {
	outcome := database.OutcomeOK
	if report.Status == models.Invalid {
		outcome = database.OutcomeFailed
	}
	detail := string(report.Status)
	if len(report.Issues) > 0 {
		detail += ": " + strings.Join(report.Issues, "; ")
	}
	m.storage.Journal(database.OpValidate, report.CheckpointID, outcome, detail)
}

func (m *Manager) validate(ctx context.Context, cp *models.Checkpoint) (integrity.Report, error) {
	report, err := integrity.ValidateStructure(ctx, cp, m.storage)
	if err != nil {
		return integrity.Report{}, err
	}
	m.record(report)
	return report, nil
}

func (m *Manager) record(report integrity.Report) {
	if err := m.storage.SetValidationStatus(report.CheckpointID, report.Status); err != nil && !errs.IsNotFound(err) {
		m.logger.Warn("record validation status failed", zap.String("checkpoint_id", report.CheckpointID), zap.Error(err))
	}
	m.metrics.Validation(string(report.Status))
	m.events.EmitCheckpointValidated(eventhub.CheckpointValidatedEvent{
		CheckpointID: report.CheckpointID,
		Status:       string(report.Status),
		Issues:       len(report.Issues),
		Warnings:     len(report.Warnings),
	})
	if report.Status == models.Invalid {
		m.logger.Error("checkpoint failed validation",
			zap.String("checkpoint_id", report.CheckpointID),
			zap.Strings("issues", report.Issues))
	}
}

// Latest returns the newest checkpoint whose recorded validation status is not INVALID.
func (m *Manager) Latest(ctx context.Context, types ...models.Type) (models.Summary, error) {
	rows, err := m.List(ctx, Filter{Types: types})
	if err != nil {
		return models.Summary{}, err
	}
	for _, row := range rows {
		if row.ValidationStatus != models.Invalid {
			return row, nil
		}
	}
	return models.Summary{}, &errs.NotFoundError{Kind: "checkpoint", ID: "latest"}
}
