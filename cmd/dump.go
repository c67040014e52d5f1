package cmd

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/config"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/spf13/cobra"
)

func newDumpCmd() *cobra.Command {
	var (
		parallel int
		only     []string
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Run every job in the config file once",
		Long: `Run the backup jobs declared in the config file immediately, ignoring their
schedules. Jobs run in parallel up to --parallel at a time; the command fails if
any job fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			jobs := a.cfg.Jobs
			if len(only) > 0 {
				jobs = slices.DeleteFunc(slices.Clone(jobs), func(j config.Job) bool {
					return !slices.Contains(only, j.ID)
				})
			}
			if len(jobs) == 0 {
				return apperrors.New(apperrors.TypeConfig, "no jobs to run", "Declare jobs in dbcycle.yaml or check --job.")
			}
			if parallel < 1 {
				parallel = 1
			}

			a.log.Info("Running config jobs", "jobs", len(jobs), "parallel", parallel)
			orch := a.orchestrator()
			conn := a.cfg.ConnectionPolicy()

			results := make([]backup.Result, len(jobs))
			sem := make(chan struct{}, parallel)
			var wg sync.WaitGroup
			for i, j := range jobs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sem <- struct{}{}
					defer func() { <-sem }()

					a.log.Info("Starting job", "id", j.ID, "database", j.Database)
					op := orch.RunBackup(cmd.Context(), conn.WithDatabase(j.Database), a.cfg.JobPolicy(j))
					res := op.Wait()
					a.record(cmd.Context(), res, j.ID)
					results[i] = res
				}()
			}
			wg.Wait()

			var errs []error
			for i, res := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] ", jobs[i].ID)
				printResult(cmd.OutOrStdout(), res)
				if res.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", jobs[i].ID, res.Err))
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 2, "number of jobs to run at once")
	cmd.Flags().StringSliceVar(&only, "job", nil, "only run the jobs with these ids")
	return cmd
}
