package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/config"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/history"
	"github.com/lupppig/dbcycle/internal/notify"
	"github.com/lupppig/dbcycle/internal/scheduler"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring backups",
		Long: `Manage recurring backups. Schedules added here are stored in scheduler.file;
jobs declared in the config file are loaded by the daemon and reloaded when the
file changes.`,
	}
	cmd.AddCommand(
		newScheduleBackupCmd(),
		newScheduleListCmd(),
		newScheduleRemoveCmd(),
		newScheduleRunCmd(),
		newScheduleStartCmd(),
	)
	return cmd
}

func newScheduleBackupCmd() *cobra.Command {
	var (
		cronSpec, interval string
		task               scheduler.Task
		start              bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Schedule a recurring backup",
		Example: `  dbcycle schedule backup --db app --cron "0 2 * * *" --keep 7
  dbcycle schedule backup --db app --interval 6h --upload s3://key:secret@minio:9000/backups --start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			task.Schedule = cronSpec
			if interval != "" {
				task.Schedule = interval
			}
			if task.Schedule == "" {
				return apperrors.New(apperrors.TypeConfig, "no schedule given", "Pass --cron or --interval.")
			}
			if task.Database == "" {
				task.Database = a.cfg.Connection.Database
			}
			if task.Options.Algorithm != "" {
				if _, err := compress.Parse(task.Options.Algorithm); err != nil {
					return err
				}
			}
			task.ID = uuid.NewString()

			s, err := a.scheduler(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if err := s.Load(); err != nil {
				return err
			}
			if err := s.AddTask(&task); err != nil {
				return err
			}
			a.log.Info("Scheduled backup added", "id", task.ID, "database", task.Database, "schedule", task.Schedule)

			if start {
				return spawnDaemon(a, cmd.OutOrStdout())
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cronSpec, "cron", "", `cron expression, e.g. "0 2 * * *" or "@daily"`)
	fs.StringVar(&interval, "interval", "", `fixed interval, e.g. "6h" or "30m"`)
	fs.StringVarP(&task.Database, "db", "d", "", "database to back up (default: connection.database)")
	fs.IntVar(&task.Options.Retries, "retries", 0, "retries after a failed run (default: scheduler.retries)")
	fs.StringVar(&task.Options.RetryDelay, "retry-delay", "", "delay between retries (default: scheduler.retry_delay)")
	fs.StringVar(&task.Options.Dir, "dir", "", "directory the artifacts are written to")
	fs.StringVar(&task.Options.Upload, "upload", "", "copy each artifact to this storage URI")
	fs.IntVar(&task.Options.Keep, "keep", 0, "keep only the newest N artifacts")
	fs.IntVar(&task.Options.RetentionDays, "retention-days", 0, "delete artifacts older than N days")
	fs.BoolVarP(&task.Options.Compress, "compress", "z", false, "compress the dumps")
	fs.StringVar(&task.Options.Algorithm, "algorithm", "", "compression algorithm (gzip, zstd, lz4)")
	fs.IntVarP(&task.Options.Jobs, "jobs", "j", 0, "parallel dump jobs")
	fs.BoolVar(&start, "start", false, "start the scheduler daemon in the background")
	cmd.MarkFlagsMutuallyExclusive("cron", "interval")
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			s, err := a.scheduler(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if err := s.Load(); err != nil {
				return err
			}
			if err := s.SyncConfig(jobTasks(a.cfg)); err != nil {
				a.log.Warn("invalid config jobs", "error", err)
			}

			tasks := s.ListTasks()
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no schedules")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATABASE\tSCHEDULE\tSTATUS\tLAST RUN\tSOURCE\tLAST ERROR")
			for _, t := range tasks {
				last := "-"
				if t.LastRun != nil {
					last = t.LastRun.Format("2006-01-02 15:04:05")
				}
				source := "stored"
				if t.FromConfig {
					source = "config"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Database, t.Schedule, t.Status, last, source, t.LastError)
			}
			return w.Flush()
		},
	}
}

func newScheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a stored schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			s, err := a.scheduler(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if err := s.Load(); err != nil {
				return err
			}
			if err := s.RemoveTask(args[0]); err != nil {
				return err
			}
			a.log.Info("Schedule removed", "id", args[0])
			return nil
		},
	}
}

func newScheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a scheduled backup once, now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			s, err := a.scheduler(cmd.Context(), nil)
			if err != nil {
				return err
			}
			if err := s.Load(); err != nil {
				return err
			}
			if err := s.SyncConfig(jobTasks(a.cfg)); err != nil {
				a.log.Warn("invalid config jobs", "error", err)
			}
			go func() {
				<-cmd.Context().Done()
				s.Stop()
			}()
			defer s.Stop()
			return s.RunNow(args[0])
		},
	}
}

func newScheduleStartCmd() *cobra.Command {
	var daemon bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ctx := cmd.Context()

			var live atomic.Pointer[config.Config]
			live.Store(a.cfg)

			s, err := a.scheduler(ctx, &live)
			if err != nil {
				return err
			}
			if err := s.Load(); err != nil {
				return err
			}
			if err := s.SyncConfig(jobTasks(a.cfg)); err != nil {
				a.log.Warn("some config jobs were not scheduled", "error", err)
			}

			if a.cfg.Path != "" {
				err := config.Watch(ctx, a.cfg.Path, func(cfg *config.Config, err error) {
					if err != nil {
						a.log.Warn("config reload rejected", "error", err)
						return
					}
					live.Store(cfg)
					if err := s.SyncConfig(jobTasks(cfg)); err != nil {
						a.log.Warn("some config jobs were not scheduled", "error", err)
					}
					a.log.Info("Config reloaded", "jobs", len(cfg.Jobs))
				})
				if err != nil {
					a.log.Warn("config changes will not be picked up", "error", err)
				}
			}

			s.Start()
			a.log.Info("Scheduler started", "tasks", len(s.ListTasks()), "daemon", daemon)
			<-ctx.Done()

			a.log.Info("Shutting down scheduler")
			s.Stop()
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "")
	_ = cmd.Flags().MarkHidden("daemon")
	return cmd
}

// scheduler builds a scheduler from the app config. When live is set, runs
// read the connection and backup defaults from it so reloads take effect.
func (a *app) scheduler(ctx context.Context, live *atomic.Pointer[config.Config]) (*scheduler.Scheduler, error) {
	current := func() *config.Config {
		if live != nil {
			return live.Load()
		}
		return a.cfg
	}

	var recorder scheduler.Recorder
	if store, err := history.Open(a.cfg.History.Path); err != nil {
		a.log.Warn("history unavailable", "error", err)
	} else {
		recorder = store
		go func() {
			<-ctx.Done()
			store.Close()
		}()
	}

	return scheduler.New(scheduler.Options{
		File:       a.cfg.Scheduler.File,
		History:    recorder,
		Notifier:   notify.Build(a.cfg, a.log),
		Logger:     a.log,
		Retries:    a.cfg.Scheduler.Retries,
		RetryDelay: a.cfg.Scheduler.RetryDelay,
		Run: func(ctx context.Context, t scheduler.Task) *backup.Operation {
			cfg := current()
			conn := cfg.ConnectionPolicy().WithDatabase(t.Database)
			return a.orchestrator().RunBackup(ctx, conn, taskPolicy(cfg, t))
		},
	})
}

// taskPolicy layers a task's options over the configured backup defaults.
func taskPolicy(cfg *config.Config, t scheduler.Task) strategy.BackupPolicy {
	p := cfg.BackupPolicy()
	o := t.Options
	if o.Dir != "" {
		p.Destination = o.Dir
	}
	if o.Upload != "" {
		p.Upload = o.Upload
	}
	if o.Compress {
		p.Compression = true
	}
	if o.Algorithm != "" {
		if algo, err := compress.Parse(o.Algorithm); err == nil {
			p.Algorithm = algo
			p.Compression = p.Compression || algo != compress.None
		}
	}
	if o.Jobs > 0 {
		p.Jobs = o.Jobs
	}
	if o.Keep > 0 {
		p.Keep = o.Keep
	}
	if o.RetentionDays > 0 {
		p.RetentionDays = o.RetentionDays
	}
	return p
}

// jobTasks turns the jobs section of the config into scheduler tasks.
func jobTasks(cfg *config.Config) []*scheduler.Task {
	tasks := make([]*scheduler.Task, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		tasks = append(tasks, &scheduler.Task{
			ID:       j.ID,
			Database: j.Database,
			Schedule: j.Schedule,
			Status:   scheduler.StatusPending,
			Options: scheduler.TaskOptions{
				Dir:           j.Dir,
				Upload:        j.Upload,
				Keep:          j.Keep,
				RetentionDays: j.RetentionDays,
			},
		})
	}
	return tasks
}
