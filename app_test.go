package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/config"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
	"sessionvault/internal/recovery"
)

// setupEnv points the data directory and workspace at temp dirs and returns the
// workspace root.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	workspace := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SESSIONVAULT_DATA_DIR", filepath.Join(home, "data"))
	t.Setenv("SESSIONVAULT_WORKSPACE_ROOT", workspace)
	t.Setenv("SESSIONVAULT_WORKSPACE_GIT", "false")
	return workspace
}

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	workspace := setupEnv(t)
	cfg, err := config.Load("")
	require.NoError(t, err)

	app, err := NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, workspace
}

func writeWorkspaceFile(t *testing.T, root, path, content string) {
	t.Helper()
	abs := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestApp_CheckpointImpactRecover(t *testing.T) {
	app, workspace := newTestApp(t)
	ctx := context.Background()

	writeWorkspaceFile(t, workspace, "parser.go", "package parser // v1")
	_, err := app.Update(progress.Chain(
		progress.StartTask("T1", "parser"),
		progress.SetTaskProgress("T1", 20),
		progress.TouchFiles("T1", "parser.go"),
	))
	require.NoError(t, err)

	cp, err := app.CreateCheckpoint(ctx, "before rewrite")
	require.NoError(t, err)
	assert.Equal(t, models.TypeManual, cp.Type)
	require.Contains(t, cp.Files, "parser.go")
	assert.Equal(t, models.SnapshotOK, cp.Files["parser.go"].Status)

	writeWorkspaceFile(t, workspace, "parser.go", "package parser // v2")
	_, err = app.Update(progress.SetTaskProgress("T1", 80))
	require.NoError(t, err)

	impact, err := app.ImpactOf(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"parser.go"}, impact.FilesOverwritten)
	require.Len(t, impact.TaskChanges, 1)
	assert.True(t, impact.TaskChanges[0].Regression)

	_, err = app.Recover(ctx, cp.ID, false)
	require.Error(t, err)
	assert.Equal(t, errs.CategoryApprovalRequired, errs.CategoryOf(err))
	var confirm *errs.ConfirmationRequiredError
	require.ErrorAs(t, err, &confirm)
	preview, ok := confirm.Preview.(*recovery.ImpactReport)
	require.True(t, ok)
	assert.Equal(t, impact.FilesOverwritten, preview.FilesOverwritten)
	assert.Equal(t, impact.TaskChanges, preview.TaskChanges)

	result, err := app.Recover(ctx, cp.ID, true)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, result.SourceID)
	assert.NotEmpty(t, result.RecoveryCheckpointID)

	raw, err := os.ReadFile(filepath.Join(workspace, "parser.go"))
	require.NoError(t, err)
	assert.Equal(t, "package parser // v1", string(raw))

	st, err := app.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20.0, st.State.TaskStates["T1"].ProgressPercentage)
	assert.Equal(t, 2, st.Checkpoints)
	require.NotNil(t, st.Latest)
	assert.Equal(t, result.RecoveryCheckpointID, st.Latest.ID)
	assert.False(t, st.Degraded)
}

func TestApp_DaemonSeesCLICommits(t *testing.T) {
	daemon, workspace := newTestApp(t)
	writeWorkspaceFile(t, workspace, "a.go", "package a")

	_, err := execute(t, "task", "start", "T1", "parser")
	require.NoError(t, err)
	_, err = execute(t, "task", "touch", "T1", "a.go")
	require.NoError(t, err)

	cp, err := daemon.Manager().Create(context.Background(), checkpoint.Request{
		Trigger: models.FilesChanged{Paths: []string{"a.go"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TypeAuto, cp.Type)
	require.Contains(t, cp.State.TaskStates, "T1")
	assert.Equal(t, []string{"a.go"}, cp.State.TaskStates["T1"].FilesModified)
	require.Contains(t, cp.Files, "a.go")
	assert.Equal(t, models.SnapshotOK, cp.Files["a.go"].Status)
}

func TestApp_StatusWithoutCheckpoints(t *testing.T) {
	app, _ := newTestApp(t)

	st, err := app.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.Latest)
	assert.Zero(t, st.Checkpoints)
	assert.NotEmpty(t, st.State.SessionID)
	assert.Empty(t, st.Git)
}

func TestApp_ValidateAndJournal(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	cp, err := app.CreateCheckpoint(ctx, "journal")
	require.NoError(t, err)
	report, err := app.ValidateCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Valid, report.Status)

	entries, err := app.Journal(database.OpCreate, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cp.ID, entries[0].CheckpointID)
	assert.Equal(t, database.OutcomeOK, entries[0].Outcome)

	rows, err := app.ListCheckpoints(ctx, checkpoint.Filter{Types: []models.Type{models.TypeAuto}})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApp_EmergencyRecoverRequiresConfirmation(t *testing.T) {
	app, _ := newTestApp(t)

	_, err := app.EmergencyRecover(context.Background(), false)
	var confirm *errs.ConfirmationRequiredError
	require.ErrorAs(t, err, &confirm)
	assert.Equal(t, "emergency recover", confirm.Operation)
}

func TestApp_ShowMissingCheckpoint(t *testing.T) {
	app, _ := newTestApp(t)

	_, err := app.ShowCheckpoint("CP999999")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, 5, exitCode(err))
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/work/project")
	tests := []struct {
		target string
		want   string
		ok     bool
	}{
		{"/work/project/.sessionvault", ".sessionvault", true},
		{"/work/project/a/b.go", "a/b.go", true},
		{"/work/project", "", false},
		{"/work", "", false},
		{"/work/project-other/x", "", false},
	}
	for _, tt := range tests {
		got, ok := within(root, filepath.FromSlash(tt.target))
		assert.Equal(t, tt.ok, ok, tt.target)
		assert.Equal(t, tt.want, got, tt.target)
	}
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_EndToEnd(t *testing.T) {
	workspace := setupEnv(t)
	writeWorkspaceFile(t, workspace, "notes.md", "draft")

	_, err := execute(t, "task", "start", "T1", "write notes")
	require.NoError(t, err)
	_, err = execute(t, "task", "touch", "T1", "notes.md")
	require.NoError(t, err)
	_, err = execute(t, "decision", "add", "markdown only", "--rationale", "easy to diff")
	require.NoError(t, err)

	out, err := execute(t, "--json", "checkpoint", "create", "-d", "first draft")
	require.NoError(t, err)
	var cp models.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &cp))
	assert.Equal(t, models.TypeManual, cp.Type)
	assert.Contains(t, cp.Files, "notes.md")

	out, err = execute(t, "checkpoint", "list")
	require.NoError(t, err)
	assert.Contains(t, out, cp.ID)
	assert.Contains(t, out, "first draft")

	out, err = execute(t, "--json", "checkpoint", "list", "--type", "manual")
	require.NoError(t, err)
	var rows []models.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, cp.ID, rows[0].ID)

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "T1*")
	assert.Contains(t, out, "Latest checkpoint: "+cp.ID)

	writeWorkspaceFile(t, workspace, "notes.md", "rewritten")
	out, err = execute(t, "impact", cp.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "notes.md")

	out, err = execute(t, "recover", cp.ID)
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
	assert.Contains(t, out, "Files overwritten")
	assert.Contains(t, out, "notes.md")
	assert.Contains(t, out, "--confirm")
	raw, err := os.ReadFile(filepath.Join(workspace, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "rewritten", string(raw), "unconfirmed recover changes nothing")

	out, err = execute(t, "recover", cp.ID, "--confirm")
	require.NoError(t, err)
	assert.Contains(t, out, "Recovered from "+cp.ID)
	raw, err = os.ReadFile(filepath.Join(workspace, "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "draft", string(raw))

	out, err = execute(t, "journal", "--op", database.OpRecover)
	require.NoError(t, err)
	assert.Contains(t, out, cp.ID)
}

func TestCLI_InvalidInput(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "task", "status", "T1", "finished")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "checkpoint", "list", "--type", "hourly")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "handoff", "--reason", "bored")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "checkpoint", "show", "CP000404")
	require.Error(t, err)
	assert.Equal(t, 5, exitCode(err))
}

func TestCLI_Handoff(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "task", "start", "T1", "handoff")
	require.NoError(t, err)
	_, err = execute(t, "context", "--phase", "review", "--next", "address comments")
	require.NoError(t, err)

	out, err := execute(t, "--json", "handoff", "--reason", "sessionend", "--detail", "end of day")
	require.NoError(t, err)
	var pkg map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &pkg))
	assert.Equal(t, string(models.TypeManual), pkg["checkpoint_type"])

	out, err = execute(t, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 checkpoints")
}

func TestCLI_Init(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "--config", path, "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "--config", path, "status")
	require.NoError(t, err)

	_, err = execute(t, "--config", path, "init")
	assert.Error(t, err, "init refuses to overwrite")
}
