package cmd

import (
	"fmt"

	"github.com/lupppig/dbcycle/internal/backup"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

func newPruneCmd() *cobra.Command {
	var (
		from          string
		engine        string
		database      string
		keep          int
		retentionDays int
		gfs           backup.RetentionPolicy
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backups that fall outside the retention rules",
		Long: `Delete old backups of one database together with their manifests.

--keep always protects the newest N backups; --retention-days deletes anything
older; the --keep-daily/weekly/monthly/yearly flags keep one backup per period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if from == "" {
				from = a.cfg.Backup.Dir
			}
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.Backup.Keep
			}
			if !cmd.Flags().Changed("retention-days") {
				retentionDays = a.cfg.Backup.RetentionDays
			}
			if keep == 0 && retentionDays == 0 && gfs == (backup.RetentionPolicy{}) {
				return apperrors.New(apperrors.TypeConfig, "no retention rule given",
					"Pass --keep, --retention-days or one of the --keep-* flags.")
			}

			s, err := storage.FromURI(from, a.storageOptions())
			if err != nil {
				return err
			}
			defer s.Close()

			deleted, err := backup.NewPruneManager(s, backup.PruneOptions{
				Retention:       backup.RetentionDays(retentionDays),
				Keep:            keep,
				RetentionPolicy: gfs,
				DBType:          engine,
				DBName:          database,
				DryRun:          dryRun,
				Logger:          a.log,
			}).Prune(cmd.Context())
			if err != nil {
				return err
			}

			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			for _, name := range deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d backups\n", verb, len(deleted))
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&from, "from", "", "directory or storage URI holding the backups (default: backup.dir)")
	fs.StringVar(&engine, "engine", "", "only prune backups of this engine")
	fs.StringVarP(&database, "db", "d", "", "only prune backups of this database")
	fs.IntVar(&keep, "keep", 0, "always keep the newest N backups")
	fs.IntVar(&retentionDays, "retention-days", 0, "delete backups older than N days")
	fs.IntVar(&gfs.KeepDaily, "keep-daily", 0, "keep the newest backup of each of the last N days")
	fs.IntVar(&gfs.KeepWeekly, "keep-weekly", 0, "keep the newest backup of each of the last N weeks")
	fs.IntVar(&gfs.KeepMonthly, "keep-monthly", 0, "keep the newest backup of each of the last N months")
	fs.IntVar(&gfs.KeepYearly, "keep-yearly", 0, "keep the newest backup of each of the last N years")
	fs.BoolVar(&dryRun, "dry-run", false, "only print what would be deleted")
	return cmd
}
