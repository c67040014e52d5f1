package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/config"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/history"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/notify"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	config  string
	logJSON bool
	noColor bool
	verbose bool
	logFile string
}

// app is what every command needs once flags and config are resolved.
type app struct {
	cfg *config.Config
	log *logger.Logger

	// orchestratorOptions lets tests swap the process and database layers.
	orchestratorOptions func(*backup.Options)
}

type appKey struct{}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	return a
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:   "dbcycle",
		Short: "Back up and restore PostgreSQL and MySQL databases with live progress",
		Long: `dbcycle drives the native dump and restore tools of your database engine,
picks a backup strategy from your policy, and reports progress while the tools run.

Backups can be compressed, encrypted, copied offsite and pruned by retention rules.
Restores verify the artifact checksum before touching the target database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if appFrom(cmd) != nil {
				return nil
			}
			cfg, err := config.Load(g.config)
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, log: newLogger(cmd.ErrOrStderr(), cfg, g)}
			cmd.SetContext(logger.WithContext(context.WithValue(cmd.Context(), appKey{}, a), a.log))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a := appFrom(cmd); a != nil {
				_ = a.log.Close()
			}
		},
		Version: Version,
	}
	root.SetVersionTemplate("dbcycle version {{ .Version }}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "", "path to dbcycle.yaml (default ./dbcycle.yaml or ~/.dbcycle/dbcycle.yaml)")
	pf.BoolVar(&g.logJSON, "log-json", false, "write logs as JSON")
	pf.BoolVar(&g.noColor, "no-color", false, "disable coloured output")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&g.logFile, "log-file", "", "also write logs to this size-rotated file")

	root.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newPingCmd(),
		newBackupsCmd(),
		newPruneCmd(),
		newVerifyCmd(),
		newHistoryCmd(),
		newScheduleCmd(),
		newDumpCmd(),
		newMigrateCmd(),
		newRekeyCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return root
}

func newLogger(w io.Writer, cfg *config.Config, g globalFlags) *logger.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if g.verbose {
		level = slog.LevelDebug
	}
	file := cfg.Log.File
	if g.logFile != "" {
		file = g.logFile
	}
	return logger.New(logger.Config{
		Writer:  w,
		JSON:    g.logJSON || cfg.Log.JSON,
		NoColor: g.noColor || cfg.Log.NoColor || !isTerminal(w),
		Level:   level,
		File:    file,
	})
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		printError(root.ErrOrStderr(), err)
		return 1
	}
	return 0
}

func printError(w io.Writer, err error) {
	red, yellow := palette(w)
	fmt.Fprintf(w, "%s %s\n", red.Sprint("Error:"), err)
	if hint := apperrors.HintOf(err); hint != "" {
		fmt.Fprintf(w, "%s %s\n", yellow.Sprint("Hint:"), hint)
	}
}

func (a *app) orchestrator() *backup.Orchestrator {
	opts := backup.Options{
		Heuristics: a.cfg.StrategyHeuristics(),
		Interval:   a.cfg.Monitor.Interval,
		Logger:     a.log,
		Version:    Version,
		StorageOptions: storage.StorageOptions{
			AllowInsecure: a.cfg.AllowInsecure,
			KnownHosts:    a.cfg.KnownHosts,
		},
	}
	if a.orchestratorOptions != nil {
		a.orchestratorOptions(&opts)
	}
	return backup.New(opts)
}

func (a *app) storageOptions() storage.StorageOptions {
	return storage.StorageOptions{AllowInsecure: a.cfg.AllowInsecure, KnownHosts: a.cfg.KnownHosts}
}

// record stores res in the history database and sends notifications.
// Failures here are logged and never change the operation's outcome.
func (a *app) record(ctx context.Context, res backup.Result, trigger string) {
	ctx = context.WithoutCancel(ctx)

	if store, err := history.Open(a.cfg.History.Path); err != nil {
		a.log.Warn("history unavailable", "error", err)
	} else {
		if err := store.Save(ctx, history.FromResult(res, trigger)); err != nil {
			a.log.Warn("failed to record history", "error", err)
		}
		store.Close()
	}

	if err := notify.Build(a.cfg, a.log).Notify(ctx, notify.FromResult(res, trigger)); err != nil {
		a.log.Warn("notification failed", "error", err)
	}
}
