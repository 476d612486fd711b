// Command sessionvault checkpoints, validates and restores the working state of a
// long-running development session.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sessionvault/internal/config"
	"sessionvault/internal/errs"
	"sessionvault/internal/logging"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error categories to distinct process exit codes.
func exitCode(err error) int {
	switch errs.CategoryOf(err) {
	case errs.CategoryInvalidInput:
		return 2
	case errs.CategoryApprovalRequired:
		return 3
	case errs.CategoryVerification:
		return 4
	case errs.CategoryNotFound:
		return 5
	case errs.CategoryStorage:
		return 6
	}
	return 1
}

// cli holds the flags shared by every command.
type cli struct {
	configPath string
	outputJSON bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "sessionvault",
		Short: "Checkpoint and recover development session state",
		Long: `sessionvault persists the working state of a long-running development session
as verifiable checkpoints and restores it after interruptions.

Examples:
  # Record progress and take a checkpoint
  sessionvault task start T1 "wire retention"
  sessionvault checkpoint create -d "before refactor"

  # Preview and perform a recovery
  sessionvault impact CP000003
  sessionvault recover CP000003 --confirm`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default <data dir>/config.yaml)")
	root.PersistentFlags().BoolVar(&c.outputJSON, "json", false, "output results as JSON")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		c.initCmd(),
		c.checkpointCmd(),
		c.impactCmd(),
		c.recoverCmd(),
		c.handoffCmd(),
		c.pruneCmd(),
		c.statusCmd(),
		c.journalCmd(),
		c.taskCmd(),
		c.decisionCmd(),
		c.blockerCmd(),
		c.contextCmd(),
		c.daemonCmd(),
	)
	return root
}

// withApp loads configuration, wires an App for the duration of fn and closes it.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	logger, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	app, err := NewApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), app)
	if err := app.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		logger.Debug("command failed", zap.String("command", cmd.CommandPath()), zap.Error(runErr))
	}
	return runErr
}

// emit writes v as indented JSON when --json is set, and otherwise calls text.
func (c *cli) emit(w io.Writer, v any, text func(io.Writer)) error {
	if c.outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
