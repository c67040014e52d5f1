package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lupppig/dbcycle/internal/history"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var filter history.Filter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past backups and restores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			store, err := history.Open(a.cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no operations recorded")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tKIND\tSTATUS\tDATABASE\tSIZE\tDURATION\tTRIGGER\tDETAIL")
			for _, r := range records {
				detail := r.Artifact
				if r.Error != "" {
					detail = r.ErrorType + ": " + r.Error
				}
				size := "-"
				if r.Size > 0 {
					size = humanize.Bytes(uint64(r.Size))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					humanize.Time(r.StartedAt), r.Kind, r.Status, r.Database, size,
					r.Duration.Round(time.Second), r.Trigger, detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.Kind, "kind", "", "only show backup or restore operations")
	cmd.Flags().StringVarP(&filter.Database, "db", "d", "", "only show operations on this database")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "number of rows to show")
	return cmd
}
