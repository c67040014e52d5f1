package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

func newBackupsCmd() *cobra.Command {
	var from, engine, database string

	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List the backups in a storage location",
		Long: `List the backup artifacts in a local directory or storage URI, newest first.
Artifacts without a manifest are listed with their file metadata only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if from == "" {
				from = a.cfg.Backup.Dir
			}

			s, err := storage.FromURI(from, a.storageOptions())
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := storage.Catalog(cmd.Context(), s, storage.CatalogFilter{Engine: engine, Database: database})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				a.log.Info("No backups found", "location", storage.Scrub(from))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tENGINE\tDATABASE\tSTRATEGY\tSIZE\tTABLES\tNAME")
			for _, e := range entries {
				engineName, dbName, strat, tables := "-", "-", "-", "-"
				if m := e.Manifest; m != nil {
					engineName, dbName, strat = m.Engine, m.DBName, m.Strategy
					if m.Units > 0 {
						tables = fmt.Sprint(m.Units)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt().Format("2006-01-02 15:04:05"),
					engineName, dbName, strat,
					humanize.Bytes(uint64(e.Size)), tables, e.Name)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "directory or storage URI to list (default: backup.dir)")
	cmd.Flags().StringVar(&engine, "engine", "", "only list backups of this engine")
	cmd.Flags().StringVarP(&database, "db", "d", "", "only list backups of this database")
	return cmd
}
