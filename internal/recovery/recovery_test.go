package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	root      string
	statePath string
	storage   *checkpoint.Storage
	store     *progress.Store
	manager   *checkpoint.Manager
	engine    *Engine
	recorder  *eventhub.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	f := &fixture{
		root:      t.TempDir(),
		statePath: filepath.Join(t.TempDir(), "progress.json"),
		recorder:  &eventhub.Recorder{},
	}

	var err error
	f.storage, err = checkpoint.NewStorage(t.TempDir(), 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { f.storage.Close() })

	f.store, err = progress.Open(
		progress.WithPath(f.statePath),
		progress.WithClock(clk.Now),
		progress.WithSessionID("session-1"))
	require.NoError(t, err)

	hub := eventhub.New(context.Background())
	hub.SetBroadcaster(f.recorder)
	f.manager = checkpoint.NewManager(f.storage, f.store, checkpoint.DefaultConfig(),
		checkpoint.WithLogger(zaptest.NewLogger(t)),
		checkpoint.WithEvents(hub),
		checkpoint.WithClock(clk.Now),
		checkpoint.WithRoot(f.root))
	f.engine = New(f.manager,
		WithLogger(zaptest.NewLogger(t)),
		WithEvents(hub),
		WithClock(clk.Now))
	return f
}

func (f *fixture) write(t *testing.T, path, content string) {
	t.Helper()
	abs := filepath.Join(f.root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(f.root, path))
	require.NoError(t, err)
	return string(raw)
}

func (f *fixture) update(t *testing.T, fns ...progress.Mutator) {
	t.Helper()
	_, err := f.store.Update(progress.Chain(fns...))
	require.NoError(t, err)
}

func (f *fixture) checkpoint(t *testing.T, desc string) *models.Checkpoint {
	t.Helper()
	cp, err := f.manager.Create(context.Background(), checkpoint.Request{Trigger: models.Manual{Description: desc}})
	require.NoError(t, err)
	return cp
}

func (f *fixture) recoveryCheckpoints(t *testing.T) []models.Summary {
	t.Helper()
	rows, err := f.manager.List(context.Background(), checkpoint.Filter{Types: []models.Type{models.TypeRecovery}})
	require.NoError(t, err)
	return rows
}

func TestRecoverRestoresMidTaskState(t *testing.T) {
	f := newFixture(t)
	f.update(t, progress.StartTask("T1", "implement parser"))
	f.update(t, progress.SetTaskProgress("T1", 40))
	cp := f.checkpoint(t, "mid-task")

	f.update(t, progress.SetStatus("T1", models.StatusCompleted, ""))
	require.Equal(t, 100.0, f.store.Read().TaskStates["T1"].ProgressPercentage)

	result, err := f.engine.Recover(context.Background(), cp.ID, true)
	require.NoError(t, err)

	task := f.store.Read().TaskStates["T1"]
	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Equal(t, 40.0, task.ProgressPercentage)
	assert.Equal(t, task, result.State.TaskStates["T1"])
	assert.Zero(t, f.store.Read().OverallProgress, "recovery may lower overall progress")

	rows := f.recoveryCheckpoints(t)
	require.Len(t, rows, 1)
	assert.Equal(t, result.RecoveryCheckpointID, rows[0].ID)
	rcp, err := f.storage.Load(rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, rcp.Trigger.Source)

	assert.Equal(t, 1, f.recorder.Count(eventhub.RecoveryCompleted))
	journal, err := f.storage.JournalEntries(database.OpRecover, 10)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, database.OutcomeOK, journal[0].Outcome)
}

func TestRecoverRoundTripIsDeepEqual(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	f.update(t,
		progress.StartTask("T1", "catalog"),
		progress.AddTask("T2", "retention", 2),
		progress.TouchFiles("T1", "db.go"),
		progress.AddDecision("use sqlite", "single file", at),
		progress.RaiseBlocker("B1", "waiting on review", at),
		progress.SetContext("build", "catalog in progress", "write tests"),
	)
	f.write(t, "db.go", "package database")
	captured := f.store.Read()
	cp := f.checkpoint(t, "round trip")

	f.update(t,
		progress.SetStatus("T1", models.StatusCompleted, ""),
		progress.AddDecision("drop bolt", "sqlite suffices", at),
		progress.ResolveBlocker("B1", at),
	)

	_, err := f.engine.Recover(context.Background(), cp.ID, true)
	require.NoError(t, err)
	assert.Equal(t, captured, f.store.Read())

	reloaded, err := progress.Open(progress.WithPath(f.statePath))
	require.NoError(t, err)
	assert.Equal(t, captured, reloaded.Read(), "restored state is persisted")
}

func TestRecoverRestoresFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "package a // v1")
	f.write(t, "c.go", "package c")
	f.update(t,
		progress.StartTask("T1", "files"),
		progress.TouchFiles("T1", "a.go", "b.go", "c.go"),
	)
	cp := f.checkpoint(t, "files")
	require.True(t, cp.Files["b.go"].Missing)

	f.write(t, "a.go", "package a // v2")
	f.write(t, "b.go", "package b")
	require.NoError(t, os.Remove(filepath.Join(f.root, "c.go")))

	impact, err := f.engine.ImpactOf(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, impact.FilesOverwritten)
	assert.Equal(t, []string{"b.go"}, impact.FilesDeleted)
	assert.Equal(t, []string{"c.go"}, impact.FilesRecreated)

	result, err := f.engine.Recover(context.Background(), cp.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "c.go"}, result.FilesRestored)
	assert.Equal(t, []string{"b.go"}, result.FilesDeleted)
	assert.Equal(t, "package a // v1", f.read(t, "a.go"))
	assert.Equal(t, "package c", f.read(t, "c.go"))
	_, err = os.Stat(filepath.Join(f.root, "b.go"))
	assert.True(t, os.IsNotExist(err))

	require.NotEmpty(t, result.BackupPath)
	raw, err := os.ReadFile(result.BackupPath)
	require.NoError(t, err)
	var backup models.ProgressState
	require.NoError(t, json.Unmarshal(raw, &backup))
	assert.Equal(t, "session-1", backup.SessionID)
}

func TestRecoverRejectsTamperedCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.update(t, progress.StartTask("T1", "work"))
	cp := f.checkpoint(t, "to tamper")
	f.update(t, progress.SetTaskProgress("T1", 70))
	before := f.store.Read()

	path := filepath.Join(f.storage.BaseDir(), "checkpoints", cp.ID, "record.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["integrity_hash"] = "0000000000000000000000000000000000000000000000000000000000000000"
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = f.engine.Recover(context.Background(), cp.ID, true)
	require.Error(t, err)
	assert.True(t, errs.IsCorrupted(err))
	assert.Equal(t, errs.CategoryVerification, errs.CategoryOf(err))

	assert.Equal(t, before, f.store.Read())
	assert.Empty(t, f.recoveryCheckpoints(t))

	rows, err := f.manager.List(context.Background(), checkpoint.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, cp.ID, rows[0].ID)
	assert.Equal(t, models.Invalid, rows[0].ValidationStatus)
}

func TestRecoverRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	f.update(t, progress.StartTask("T1", "work"))
	cp := f.checkpoint(t, "unconfirmed")
	f.update(t, progress.SetTaskProgress("T1", 70))
	before := f.store.Read()

	_, err := f.engine.Recover(context.Background(), cp.ID, false)
	require.Error(t, err)
	var confirm *errs.ConfirmationRequiredError
	require.ErrorAs(t, err, &confirm)
	assert.Equal(t, cp.ID, confirm.CheckpointID)
	assert.IsType(t, &ImpactReport{}, confirm.Preview)

	assert.Equal(t, before, f.store.Read())
	assert.Empty(t, f.recoveryCheckpoints(t))
	assert.False(t, f.storage.Reserved(cp.ID))
}

func TestRecoverUnknownCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Recover(context.Background(), "CP000404", true)
	assert.True(t, errs.IsNotFound(err))
}

func TestRecoverCancelledBeforeMutation(t *testing.T) {
	f := newFixture(t)
	f.update(t, progress.StartTask("T1", "work"))
	cp := f.checkpoint(t, "cancel")
	f.update(t, progress.SetTaskProgress("T1", 70))
	before := f.store.Read()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Recover(ctx, cp.ID, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, f.store.Read())
	assert.False(t, f.storage.Reserved(cp.ID))
}

func TestImpactOfReportsRegressions(t *testing.T) {
	f := newFixture(t)
	at := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	f.update(t, progress.StartTask("T1", "work"), progress.RaiseBlocker("B1", "flaky CI", at))
	f.update(t, progress.SetTaskProgress("T1", 40))
	cp := f.checkpoint(t, "impact")

	f.update(t,
		progress.SetStatus("T1", models.StatusCompleted, ""),
		progress.AddTask("T2", "docs", 1),
		progress.AddDecision("ship it", "tests green", at),
		progress.ResolveBlocker("B1", at),
		progress.RaiseBlocker("B2", "disk full", at),
	)
	before := f.store.Read()

	impact, err := f.engine.ImpactOf(context.Background(), cp.ID)
	require.NoError(t, err)

	require.Len(t, impact.TaskChanges, 1)
	change := impact.TaskChanges[0]
	assert.Equal(t, "T1", change.TaskID)
	assert.Equal(t, models.StatusCompleted, change.FromStatus)
	assert.Equal(t, models.StatusInProgress, change.ToStatus)
	assert.True(t, change.Regression)
	assert.Len(t, impact.Regressions(), 1)

	assert.Equal(t, []string{"T2"}, impact.TasksRemoved)
	require.Len(t, impact.DecisionsDropped, 1)
	assert.Equal(t, "ship it", impact.DecisionsDropped[0].DecisionText)
	assert.Equal(t, []string{"B1"}, impact.BlockersReopened)
	assert.Equal(t, []string{"B2"}, impact.BlockersDropped)
	assert.Positive(t, impact.WorkLost)
	assert.Equal(t, models.Valid, impact.Validation.Status)

	assert.Equal(t, before, f.store.Read(), "impact is read-only")
	assert.Empty(t, f.recoveryCheckpoints(t))
}

func TestEmergencyRecoverSkipsCorrupted(t *testing.T) {
	f := newFixture(t)
	f.update(t, progress.StartTask("T1", "work"))
	f.update(t, progress.SetTaskProgress("T1", 10))
	good := f.checkpoint(t, "good")
	f.update(t, progress.SetTaskProgress("T1", 20))
	bad := f.checkpoint(t, "bad")
	f.update(t, progress.SetTaskProgress("T1", 30))

	path := filepath.Join(f.storage.BaseDir(), "checkpoints", bad.ID, "record.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	result, err := f.engine.EmergencyRecover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good.ID, result.SourceID)
	assert.Equal(t, 10.0, f.store.Read().TaskStates["T1"].ProgressPercentage)
}

func TestEmergencyRecoverWithNothingStored(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.EmergencyRecover(context.Background())
	assert.True(t, errs.IsNotFound(err))
}

func TestRecoverUnconfirmedReturnsImpactPreview(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "package a // v1")
	f.update(t, progress.StartTask("T1", "work"), progress.TouchFiles("T1", "a.go"))
	cp := f.checkpoint(t, "preview")
	f.write(t, "a.go", "package a // v2")
	f.update(t, progress.SetTaskProgress("T1", 70))
	before := f.store.Read()

	_, err := f.engine.Recover(context.Background(), cp.ID, false)
	var confirm *errs.ConfirmationRequiredError
	require.ErrorAs(t, err, &confirm)
	preview, ok := confirm.Preview.(*ImpactReport)
	require.True(t, ok, "preview is an impact report")
	assert.Equal(t, cp.ID, preview.CheckpointID)
	assert.Equal(t, []string{"a.go"}, preview.FilesOverwritten)
	require.Len(t, preview.Regressions(), 1)
	assert.Equal(t, "T1", preview.Regressions()[0].TaskID)

	assert.Equal(t, before, f.store.Read())
	assert.Equal(t, "package a // v2", f.read(t, "a.go"))
}

func TestRecoverUnconfirmedUnknownCheckpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Recover(context.Background(), "CP000404", false)
	assert.True(t, errs.IsNotFound(err))
}

func TestRecoverResultCarriesPreMutationImpact(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.go", "package a // v1")
	f.update(t, progress.StartTask("T1", "work"), progress.TouchFiles("T1", "a.go"))
	cp := f.checkpoint(t, "impact on result")
	f.write(t, "a.go", "package a // v2")
	f.update(t, progress.SetTaskProgress("T1", 70))

	result, err := f.engine.Recover(context.Background(), cp.ID, true)
	require.NoError(t, err)
	require.NotNil(t, result.Impact)
	assert.Equal(t, []string{"a.go"}, result.Impact.FilesOverwritten)
	require.Len(t, result.Impact.TaskChanges, 1)
	assert.Equal(t, 70.0, result.Impact.TaskChanges[0].FromProgress)
	assert.Equal(t, 0.0, result.Impact.TaskChanges[0].ToProgress)
	assert.Equal(t, []string{"a.go"}, result.FilesRestored)
}

func TestImpactOfHoldsReservation(t *testing.T) {
	f := newFixture(t)
	f.update(t, progress.StartTask("T1", "work"))
	cp := f.checkpoint(t, "reserved")

	var reservedDuring bool
	engine := New(f.manager, WithClock(func() time.Time {
		reservedDuring = f.storage.Reserved(cp.ID)
		return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	}))

	_, err := engine.ImpactOf(context.Background(), cp.ID)
	require.NoError(t, err)
	assert.True(t, reservedDuring, "checkpoint is reserved while the impact is computed")
	assert.False(t, f.storage.Reserved(cp.ID), "reservation is released afterwards")

	_, err = engine.ImpactOf(context.Background(), "CP000404")
	assert.True(t, errs.IsNotFound(err))
}
