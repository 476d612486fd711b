package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/config"
	"sessionvault/internal/errs"
	"sessionvault/internal/handoff"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
	"sessionvault/internal/recovery"
	"sessionvault/internal/retention"
)

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := config.DefaultDataDir()
			if err != nil {
				return err
			}
			path := c.configPath
			if path == "" {
				path = filepath.Join(dataDir, config.FileName)
			}
			if err := config.WriteDefault(path, dataDir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func (c *cli) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"cp"},
		Short:   "Create, list, show and validate checkpoints",
	}

	var description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Take a MANUAL checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				cp, err := app.CreateCheckpoint(ctx, description)
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), cp, func(w io.Writer) {
					fmt.Fprintf(w, "%s [%s] %s\n", cp.ID, cp.Type, cp.Description)
					fmt.Fprintf(w, "files: %d, size: %d bytes\n", len(cp.Files), cp.SizeBytes)
				})
			})
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "checkpoint description (required)")
	_ = create.MarkFlagRequired("description")

	var types []string
	var limit int
	var since time.Duration
	list := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := checkpoint.Filter{Limit: limit}
			for _, t := range types {
				typ, err := models.ParseType(t)
				if err != nil {
					return errs.NewValidationError(err.Error())
				}
				filter.Types = append(filter.Types, typ)
			}
			if since > 0 {
				filter.Since = time.Now().UTC().Add(-since)
			}
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				rows, err := app.ListCheckpoints(ctx, filter)
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), rows, func(w io.Writer) { printSummaries(w, rows) })
			})
		},
	}
	list.Flags().StringSliceVarP(&types, "type", "t", nil, "filter by type (AUTO, MANUAL, EMERGENCY, RECOVERY)")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of checkpoints")
	list.Flags().DurationVar(&since, "since", 0, "only checkpoints newer than this age, e.g. 24h")

	show := &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show a checkpoint record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				cp, err := app.ShowCheckpoint(args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), cp, func(w io.Writer) {
					fmt.Fprintf(w, "%s [%s] %s\n", cp.ID, cp.Type, cp.Timestamp.Format(time.RFC3339))
					fmt.Fprintf(w, "Trigger: %s\n", cp.Trigger.Kind)
					fmt.Fprintf(w, "Description: %s\n", cp.Description)
					fmt.Fprintf(w, "Active task: %s\n", orNone(cp.State.ActiveTaskID))
					fmt.Fprintf(w, "Overall progress: %.0f%%\n", cp.State.OverallProgress)
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "PATH\tSTATUS\tSIZE\tHASH")
					for _, path := range cp.FilePaths() {
						f := cp.Files[path]
						status := string(f.Status)
						if f.Missing {
							status = "missing"
						}
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", path, status, f.Size, short(f.ContentHash))
					}
					tw.Flush()
				})
			})
		},
	}

	validate := &cobra.Command{
		Use:   "validate <checkpoint-id>",
		Short: "Re-validate a stored checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				report, err := app.ValidateCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), report, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s (%d files checked)\n", report.CheckpointID, report.Status, report.FilesChecked)
					for _, issue := range report.Issues {
						fmt.Fprintf(w, "  issue: %s\n", issue)
					}
					for _, warning := range report.Warnings {
						fmt.Fprintf(w, "  warning: %s\n", warning)
					}
				})
			})
		},
	}

	cmd.AddCommand(create, list, show, validate)
	return cmd
}

func printSummaries(w io.Writer, rows []models.Summary) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No checkpoints found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCREATED\tSTATUS\tTASK\tPROGRESS\tSIZE\tDESCRIPTION")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.0f%%\t%d\t%s\n",
			r.ID, r.Type, r.Timestamp.Local().Format("2006-01-02 15:04"), r.ValidationStatus,
			orNone(r.ActiveTaskID), r.OverallProgress, r.SizeBytes, truncate(r.Description, 50))
	}
	tw.Flush()
}

func (c *cli) impactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "impact <checkpoint-id>",
		Short: "Preview what recovering a checkpoint would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				report, err := app.ImpactOf(ctx, args[0])
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), report, func(w io.Writer) { printImpact(w, report) })
			})
		},
	}
}

func printImpact(w io.Writer, r *recovery.ImpactReport) {
	fmt.Fprintf(w, "Recovering %s (%s) discards %s of work.\n",
		r.CheckpointID, r.CheckpointTime.Format(time.RFC3339), r.WorkLost.Round(time.Second))
	fmt.Fprintf(w, "Validation: %s\n", r.Validation.Status)
	fmt.Fprintf(w, "Overall progress: %.0f%% -> %.0f%%\n", r.OverallFrom, r.OverallTo)
	for _, tc := range r.TaskChanges {
		marker := ""
		if tc.Regression {
			marker = " (regression)"
		}
		fmt.Fprintf(w, "  task %s: %s %.0f%% -> %s %.0f%%%s\n",
			tc.TaskID, orNone(string(tc.FromStatus)), tc.FromProgress, tc.ToStatus, tc.ToProgress, marker)
	}
	printList(w, "Tasks unknown to the checkpoint", r.TasksRemoved)
	for _, d := range r.DecisionsDropped {
		fmt.Fprintf(w, "  decision dropped: %s\n", d.DecisionText)
	}
	printList(w, "Blockers reopened", r.BlockersReopened)
	printList(w, "Blockers dropped", r.BlockersDropped)
	printList(w, "Files overwritten", r.FilesOverwritten)
	printList(w, "Files recreated", r.FilesRecreated)
	printList(w, "Files deleted", r.FilesDeleted)
	printList(w, "Files not restorable", r.FilesUnrestorable)
	fmt.Fprintf(w, "Files unchanged: %d\n", r.FilesUnchanged)
}

func (c *cli) recoverCmd() *cobra.Command {
	var confirm, emergency bool
	cmd := &cobra.Command{
		Use:   "recover [checkpoint-id]",
		Short: "Restore the session from a checkpoint",
		Long: `Restore the live progress state and workspace files from a checkpoint.

The live state is backed up first and a RECOVERY checkpoint of the restored state is
taken afterwards. Without --confirm the impact is printed and nothing is changed.

Examples:
  sessionvault recover CP000012 --confirm

  # Restore the newest checkpoint that validates
  sessionvault recover --emergency --confirm`,
		Args: func(cmd *cobra.Command, args []string) error {
			if emergency {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				var result *recovery.Result
				var err error
				if emergency {
					result, err = app.EmergencyRecover(ctx, confirm)
				} else {
					result, err = app.Recover(ctx, args[0], confirm)
				}
				var confirmErr *errs.ConfirmationRequiredError
				if errors.As(err, &confirmErr) {
					if impact, ok := confirmErr.Preview.(*recovery.ImpactReport); ok {
						if emitErr := c.emit(cmd.OutOrStdout(), impact, func(w io.Writer) {
							printImpact(w, impact)
							fmt.Fprintln(w, "Nothing was changed. Re-run with --confirm to apply.")
						}); emitErr != nil {
							return emitErr
						}
					}
				}
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
					if result.Impact != nil {
						printImpact(w, result.Impact)
					}
					fmt.Fprintf(w, "Recovered from %s\n", result.SourceID)
					if result.RecoveryCheckpointID != "" {
						fmt.Fprintf(w, "Recovery checkpoint: %s\n", result.RecoveryCheckpointID)
					}
					fmt.Fprintf(w, "Backup: %s\n", result.BackupPath)
					printList(w, "Files restored", result.FilesRestored)
					printList(w, "Files deleted", result.FilesDeleted)
					printList(w, "Warnings", result.Warnings)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the destructive restore")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "recover from the newest usable checkpoint")
	return cmd
}

func (c *cli) handoffCmd() *cobra.Command {
	var reason, detail string
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Checkpoint and summarize the session for resumption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := handoff.ParseReasonKind(reason)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				pkg, err := app.Handoff(ctx, handoff.Reason{Kind: kind, Detail: detail})
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), pkg, func(w io.Writer) { io.WriteString(w, pkg.Render()) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", string(handoff.UserRequested),
		"UserRequested, SessionEnd, ResourceExhausted or ContextLimit")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail recorded with the reason")
	return cmd
}

func (c *cli) pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				report, err := app.Prune(ctx)
				if report != nil {
					if emitErr := c.emit(cmd.OutOrStdout(), report, func(w io.Writer) { printPrune(w, report) }); emitErr != nil {
						return emitErr
					}
				}
				return err
			})
		},
	}
}

func printPrune(w io.Writer, r *retention.Report) {
	fmt.Fprintf(w, "Deleted %d checkpoints (%d bytes), swept %d blobs (%d bytes)\n",
		len(r.Deleted), r.FreedBytes, r.BlobsSwept, r.BlobBytes)
	for _, d := range r.Deleted {
		fmt.Fprintf(w, "  %s [%s] %s\n", d.CheckpointID, d.Type, d.Reason)
	}
	printList(w, "Protected", r.Protected)
	printList(w, "Skipped (reserved)", r.Skipped)
	fmt.Fprintf(w, "Kept %d, utilization %.0f%%\n", r.Kept, r.Utilization*100)
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the live session and checkpoint storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				st, err := app.Status(ctx)
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), st, func(w io.Writer) { printStatus(w, st) })
			})
		},
	}
}

func printStatus(w io.Writer, st *Status) {
	s := st.State
	fmt.Fprintf(w, "Session %s\n", s.SessionID)
	if s.Phase != "" {
		fmt.Fprintf(w, "Phase: %s\n", s.Phase)
	}
	fmt.Fprintf(w, "Overall progress: %.0f%%\n", s.OverallProgress)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tPROGRESS\tFILES\tNAME")
	for _, id := range s.TaskIDs() {
		t := s.TaskStates[id]
		active := ""
		if id == s.ActiveTaskID {
			active = "*"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%.0f%%\t%d\t%s\n", id, active, t.Status, t.ProgressPercentage, len(t.FilesModified), t.Name)
	}
	tw.Flush()
	for _, b := range s.SortedBlockers() {
		fmt.Fprintf(w, "Blocker %s: %s\n", b.ID, b.Description)
	}
	if st.Latest != nil {
		fmt.Fprintf(w, "Latest checkpoint: %s [%s] %s\n", st.Latest.ID, st.Latest.Type, st.Latest.ValidationStatus)
	} else {
		fmt.Fprintln(w, "Latest checkpoint: none")
	}
	fmt.Fprintf(w, "Storage: %d checkpoints, %d bytes\n", st.Checkpoints, st.StorageBytes)
	if st.Degraded {
		fmt.Fprintln(w, "Storage is DEGRADED: only emergency and recovery checkpoints are accepted")
	}
	if st.Git != "" {
		fmt.Fprintf(w, "Git: %s\n", st.Git)
	}
}

func (c *cli) journalCmd() *cobra.Command {
	var op string
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent create, validate, recover, prune and handoff operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				entries, err := app.Journal(op, limit)
				if err != nil {
					return err
				}
				return c.emit(cmd.OutOrStdout(), entries, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "AT\tOPERATION\tCHECKPOINT\tOUTCOME\tDETAIL")
					for _, e := range entries {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.At.Local().Format("2006-01-02 15:04:05"),
							e.Operation, orNone(e.CheckpointID), e.Outcome, truncate(e.Detail, 60))
					}
					tw.Flush()
				})
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "filter by operation")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

// mutate runs one progress mutation and prints the resulting state summary.
func (c *cli) mutate(cmd *cobra.Command, fn progress.Mutator) error {
	return c.withApp(cmd, func(ctx context.Context, app *App) error {
		state, err := app.Update(fn)
		if err != nil {
			return err
		}
		return c.emit(cmd.OutOrStdout(), state, func(w io.Writer) {
			fmt.Fprintf(w, "ok: overall progress %.0f%%, active task %s\n", state.OverallProgress, orNone(state.ActiveTaskID))
		})
	})
}

func (c *cli) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Record task progress",
	}

	start := &cobra.Command{
		Use:   "start <task-id> [name]",
		Short: "Start a task (creating it if needed) and make it active",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			return c.mutate(cmd, progress.StartTask(args[0], name))
		},
	}

	var weight float64
	add := &cobra.Command{
		Use:   "add <task-id> [name]",
		Short: "Add a pending task",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			return c.mutate(cmd, progress.AddTask(args[0], name, weight))
		},
	}
	add.Flags().Float64Var(&weight, "weight", 1, "weight in the overall progress")

	progressCmd := &cobra.Command{
		Use:   "progress <task-id> <percent>",
		Short: "Set a task's progress percentage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return errs.NewValidationError(fmt.Sprintf("percent %q is not a number", args[1]))
			}
			return c.mutate(cmd, progress.SetTaskProgress(args[0], pct))
		},
	}

	var reason string
	status := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to Pending, InProgress, Blocked, Completed or Cancelled",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatus(args[1])
			if err != nil {
				return err
			}
			return c.mutate(cmd, progress.SetStatus(args[0], st, reason))
		},
	}
	status.Flags().StringVar(&reason, "reason", "", "blocker reason (required for Blocked)")

	touch := &cobra.Command{
		Use:   "touch <task-id> <path>...",
		Short: "Record files modified by a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd, progress.TouchFiles(args[0], args[1:]...))
		},
	}

	activate := &cobra.Command{
		Use:   "activate <task-id>",
		Short: "Make a task the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd, progress.SetActiveTask(args[0]))
		},
	}

	cmd.AddCommand(start, add, progressCmd, status, touch, activate)
	return cmd
}

func parseStatus(s string) (models.TaskStatus, error) {
	for _, st := range []models.TaskStatus{
		models.StatusPending, models.StatusInProgress, models.StatusBlocked,
		models.StatusCompleted, models.StatusCancelled,
	} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", errs.NewValidationError(fmt.Sprintf("unknown task status %q", s))
}

func (c *cli) decisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision",
		Short: "Record decisions",
	}
	var rationale string
	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Append a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd, progress.AddDecision(args[0], rationale, time.Now().UTC()))
		},
	}
	add.Flags().StringVar(&rationale, "rationale", "", "why the decision was made")
	cmd.AddCommand(add)
	return cmd
}

func (c *cli) blockerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocker",
		Short: "Raise and resolve blockers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "raise <blocker-id> <description>",
			Short: "Raise a blocker",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.mutate(cmd, progress.RaiseBlocker(args[0], args[1], time.Now().UTC()))
			},
		},
		&cobra.Command{
			Use:   "resolve <blocker-id>",
			Short: "Resolve a blocker",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.mutate(cmd, progress.ResolveBlocker(args[0], time.Now().UTC()))
			},
		},
	)
	return cmd
}

func (c *cli) contextCmd() *cobra.Command {
	var phase, summary, next string
	var overall float64
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Set the phase, context summary, next action or overall progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fns := []progress.Mutator{progress.SetContext(phase, summary, next)}
			if cmd.Flags().Changed("overall") {
				fns = append(fns, progress.SetOverallProgress(overall))
			}
			return c.mutate(cmd, progress.Chain(fns...))
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "current phase")
	cmd.Flags().StringVar(&summary, "summary", "", "context summary")
	cmd.Flags().StringVar(&next, "next", "", "planned next action")
	cmd.Flags().Float64Var(&overall, "overall", 0, "overall progress percentage")
	return cmd
}

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run automatic checkpoints, file watching and periodic pruning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, app *App) error {
				return app.RunDaemon(ctx)
			})
		},
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
