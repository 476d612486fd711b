// app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/config"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/git"
	"sessionvault/internal/handoff"
	"sessionvault/internal/integrity"
	"sessionvault/internal/logging"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
	"sessionvault/internal/recovery"
	"sessionvault/internal/retention"
	"sessionvault/internal/telemetry"
	"sessionvault/internal/watcher"
)

// App wires the checkpoint subsystem together and is the API the CLI drives.
type App struct {
	config *config.Config
	logger *zap.Logger
	now    func() time.Time

	// Core services
	storage   *checkpoint.Storage
	store     *progress.Store
	manager   *checkpoint.Manager
	retention *retention.Service
	recovery  *recovery.Engine
	handoff   *handoff.Coordinator
	eventHub  *eventhub.EventHub
	metrics   *telemetry.Metrics
	closeOnce sync.Once
}

// NewApp opens storage and the persisted progress state under cfg.DataDir.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		config: cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	storage, err := checkpoint.NewStorage(cfg.StorageDir(), cfg.Checkpoint.CompressionLevel, logging.Component(logger, "storage"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint storage: %w", err)
	}
	a.storage = storage

	store, err := progress.Open(
		progress.WithPath(cfg.ProgressPath()),
		progress.WithLogger(logging.Component(logger, "progress")),
	)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("open progress state: %w", err)
	}
	a.store = store

	a.eventHub = eventhub.New(ctx)
	a.eventHub.SetBroadcaster(eventhub.LogBroadcaster{Logger: logging.Component(logger, "events")})
	a.metrics = telemetry.New()

	a.manager = checkpoint.NewManager(storage, store, cfg.CheckpointSettings(),
		checkpoint.WithLogger(logging.Component(logger, "checkpoint")),
		checkpoint.WithEvents(a.eventHub),
		checkpoint.WithMetrics(a.metrics),
		checkpoint.WithRoot(cfg.Workspace.Root),
	)
	a.retention = retention.New(a.manager, cfg.RetentionPolicy(),
		retention.WithLogger(logging.Component(logger, "retention")),
		retention.WithEvents(a.eventHub),
		retention.WithMetrics(a.metrics),
	)
	a.manager.SetPruner(a.retention)
	a.recovery = recovery.New(a.manager,
		recovery.WithLogger(logging.Component(logger, "recovery")),
		recovery.WithEvents(a.eventHub),
		recovery.WithMetrics(a.metrics),
	)
	a.handoff = handoff.New(a.manager, cfg.Handoff.Budget.Duration(),
		handoff.WithLogger(logging.Component(logger, "handoff")),
		handoff.WithEvents(a.eventHub),
		handoff.WithMetrics(a.metrics),
	)

	logger.Debug("sessionvault started",
		zap.String("data_dir", cfg.DataDir),
		zap.String("workspace", cfg.Workspace.Root),
		zap.String("session_id", store.Read().SessionID))
	return a, nil
}

// Close waits for background validation and closes storage.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.manager.Wait()
		err = a.storage.Close()
	})
	return err
}

// Manager exposes the checkpoint manager.
func (a *App) Manager() *checkpoint.Manager { return a.manager }

// Metrics exposes the metrics registry holder.
func (a *App) Metrics() *telemetry.Metrics { return a.metrics }

// CreateCheckpoint takes a MANUAL checkpoint.
func (a *App) CreateCheckpoint(ctx context.Context, description string) (*models.Checkpoint, error) {
	return a.manager.Create(ctx, checkpoint.Request{Trigger: models.Manual{Description: description}})
}

// ListCheckpoints returns catalog summaries, newest first.
func (a *App) ListCheckpoints(ctx context.Context, f checkpoint.Filter) ([]models.Summary, error) {
	return a.manager.List(ctx, f)
}

// ShowCheckpoint loads a full checkpoint record.
func (a *App) ShowCheckpoint(id string) (*models.Checkpoint, error) {
	return a.manager.Get(id)
}

// ValidateCheckpoint re-validates a stored checkpoint and records the outcome.
func (a *App) ValidateCheckpoint(ctx context.Context, id string) (integrity.Report, error) {
	return a.manager.Validate(ctx, id)
}

// ImpactOf previews a recovery without changing anything.
func (a *App) ImpactOf(ctx context.Context, id string) (*recovery.ImpactReport, error) {
	return a.recovery.ImpactOf(ctx, id)
}

// Recover restores checkpoint id. confirmed must be true.
func (a *App) Recover(ctx context.Context, id string, confirmed bool) (*recovery.Result, error) {
	return a.recovery.Recover(ctx, id, confirmed)
}

// EmergencyRecover restores the newest usable checkpoint. confirmed must be true.
func (a *App) EmergencyRecover(ctx context.Context, confirmed bool) (*recovery.Result, error) {
	if !confirmed {
		return nil, &errs.ConfirmationRequiredError{Operation: "emergency recover"}
	}
	return a.recovery.EmergencyRecover(ctx)
}

// Handoff forces a checkpoint and returns the resumable package.
func (a *App) Handoff(ctx context.Context, reason handoff.Reason) (*handoff.Package, error) {
	return a.handoff.Handoff(ctx, reason)
}

// Prune applies the retention policy now.
func (a *App) Prune(ctx context.Context) (*retention.Report, error) {
	return a.retention.Prune(ctx)
}

// Update applies a mutation to the live progress state.
func (a *App) Update(fn progress.Mutator) (models.ProgressState, error) {
	return a.store.Update(fn)
}

// Status summarizes the live session and the checkpoint store.
type Status struct {
	State          models.ProgressState `json:"state"`
	Latest         *models.Summary      `json:"latest_checkpoint,omitempty"`
	Checkpoints    int                  `json:"checkpoints"`
	StorageBytes   int64                `json:"storage_bytes"`
	Degraded       bool                 `json:"degraded"`
	PendingFiles   []string             `json:"pending_files"`
	LastCheckpoint time.Time            `json:"last_checkpoint"`
	Git            string               `json:"git,omitempty"`
}

// Status reports the live state, storage usage and the newest usable checkpoint.
func (a *App) Status(ctx context.Context) (*Status, error) {
	usage, err := a.storage.Usage()
	if err != nil {
		return nil, err
	}
	st := &Status{
		State:          a.store.Snapshot(),
		Checkpoints:    usage.Count,
		StorageBytes:   usage.Bytes,
		Degraded:       a.manager.Degraded(),
		PendingFiles:   a.manager.Tracker().Pending(),
		LastCheckpoint: a.manager.Tracker().LastCheckpoint(),
	}
	latest, err := a.manager.Latest(ctx)
	switch {
	case err == nil:
		st.Latest = &latest
	case !errs.IsNotFound(err):
		return nil, err
	}
	if a.config.Workspace.Git {
		if repo, err := git.Open(a.config.Workspace.Root); err == nil {
			st.Git = repo.Describe()
		}
	}
	a.metrics.StorageUsage(usage.Count, usage.Bytes)
	return st, nil
}

// Journal returns recent operation journal entries.
func (a *App) Journal(op string, limit int) ([]database.JournalEntry, error) {
	return a.storage.JournalEntries(op, limit)
}

// RunDaemon runs the automatic checkpoint scheduler, the workspace and git watchers,
// periodic pruning and the optional metrics endpoint until ctx is done.
func (a *App) RunDaemon(ctx context.Context) error {
	tracker := a.manager.Tracker()

	fileWatcher, err := a.startWatcher(tracker)
	if err != nil {
		return err
	}
	defer fileWatcher.Close()

	if a.config.Workspace.Git {
		if gw := a.startGitWatcher(tracker); gw != nil {
			defer gw.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		checkpoint.NewScheduler(a.manager).Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.retention.Run(gctx, a.config.Retention.PruneInterval.Duration())
		return nil
	})
	if addr := a.config.Metrics.Addr; addr != "" {
		g.Go(func() error { return a.serveMetrics(gctx, addr) })
	}

	a.logger.Info("daemon running",
		zap.String("workspace", a.config.Workspace.Root),
		zap.Int("watched_dirs", len(fileWatcher.WatchList())))
	err = g.Wait()
	a.logger.Info("daemon stopped")
	return err
}

func (a *App) startWatcher(tracker *checkpoint.Tracker) (*watcher.Watcher, error) {
	exclude := append([]string{}, a.config.Workspace.Exclude...)
	if rel, ok := within(a.config.Workspace.Root, a.config.DataDir); ok {
		exclude = append(exclude, rel)
	}
	w, err := watcher.New(a.config.Workspace.Root, 200*time.Millisecond, func(e watcher.Event) {
		tracker.RecordFiles(a.now(), e.Path)
	}, watcher.WithLogger(logging.Component(a.logger, "watcher")), watcher.WithExclude(exclude...))
	if err != nil {
		return nil, fmt.Errorf("watch workspace: %w", err)
	}
	if err := w.Start(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// startGitWatcher feeds git status changes into the tracker. A workspace outside any
// repository runs without it.
func (a *App) startGitWatcher(tracker *checkpoint.Tracker) *git.StatusWatcher {
	logger := logging.Component(a.logger, "git")
	repo, err := git.Open(a.config.Workspace.Root)
	if err != nil {
		logger.Debug("no git repository, status watcher disabled", zap.Error(err))
		return nil
	}
	root := a.config.Workspace.Root
	gw, err := git.NewStatusWatcher(repo, func(paths []string) {
		var rel []string
		for _, p := range paths {
			if r, ok := within(root, filepath.Join(repo.Root(), filepath.FromSlash(p))); ok {
				rel = append(rel, r)
			}
		}
		tracker.RecordFiles(a.now(), rel...)
	}, logger)
	if err != nil {
		logger.Warn("git status watcher disabled", zap.Error(err))
		return nil
	}
	if err := gw.Start(); err != nil {
		gw.Close()
		logger.Warn("git status watcher disabled", zap.Error(err))
		return nil
	}
	return gw
}

func (a *App) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// within returns target relative to root (slash separated) when target lies inside it.
func within(root, target string) (string, bool) {
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
