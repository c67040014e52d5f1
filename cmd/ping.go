package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPingCmd() *cobra.Command {
	var conn connFlags

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Test the database connection and print the server version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			policy := conn.policy(cmd, a.cfg.ConnectionPolicy())

			version, err := a.orchestrator().TestConnection(cmd.Context(), policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d reachable: %s\n", policy.Host, policy.Port, version)
			return nil
		},
	}
	conn.register(cmd.Flags())
	return cmd
}
