package cmd

import (
	"os"
	"time"

	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

type restoreFlags struct {
	conn         connFlags
	target       string
	jobs         int
	passphrase   string
	keyFile      string
	timeout      time.Duration
	skipChecksum bool
	onConflict   string
}

func newRestoreCmd() *cobra.Command {
	var f restoreFlags

	cmd := &cobra.Command{
		Use:   "restore <artifact>",
		Short: "Restore a backup into a database",
		Long: `Restore a backup artifact, a local path or a storage URI, into a database.

The artifact's manifest checksum is verified before anything touches the server.
Compressed, archived and encrypted artifacts are unpacked in a scratch directory.
When the target database exists you are asked whether to abort, overwrite it or
restore under a new name; --on-conflict answers without asking.`,
		Example: `  dbcycle restore backups/app_20260301_020000.sql.gz --db app
  dbcycle restore s3://key:secret@minio:9000/backups/app_20260301_020000.tar.zst --target app_copy
  dbcycle restore app.sql.enc --db app --on-conflict overwrite --key-file key.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			conn := f.conn.policy(cmd, a.cfg.ConnectionPolicy())

			policy := a.cfg.RestorePolicy()
			set := cmd.Flags().Changed
			if set("target") {
				policy.Target = f.target
			}
			if set("jobs") {
				policy.Jobs = f.jobs
			}
			if set("passphrase") {
				policy.Passphrase = f.passphrase
			}
			if set("key-file") {
				policy.KeyFile = f.keyFile
			}
			if set("timeout") {
				policy.Timeout = f.timeout
			}
			if set("skip-checksum") {
				policy.SkipChecksum = f.skipChecksum
			}
			if err := policy.Validate(); err != nil {
				return err
			}

			mode := a.cfg.Restore.Conflict
			if set("on-conflict") {
				mode = f.onConflict
			}
			d, err := decider(mode, isTerminal(os.Stdin))
			if err != nil {
				return err
			}

			a.log.Info("Restore started", "engine", conn.Engine, "artifact", storage.Scrub(args[0]))
			op := a.orchestrator().RunRestore(cmd.Context(), conn, policy, args[0], d)
			res := follow(cmd, op)
			a.record(cmd.Context(), res, "cli")
			printResult(cmd.OutOrStdout(), res)
			return res.Err
		},
	}

	f.conn.register(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVar(&f.target, "target", "", "database to restore into (default: --db)")
	fs.IntVarP(&f.jobs, "jobs", "j", 0, "parallel restore jobs for directory dumps")
	fs.StringVar(&f.passphrase, "passphrase", "", "decryption passphrase")
	fs.StringVar(&f.keyFile, "key-file", "", "file holding the decryption key")
	fs.DurationVar(&f.timeout, "timeout", 0, "abort the restore after this long (default 1h)")
	fs.BoolVar(&f.skipChecksum, "skip-checksum", false, "restore even if the artifact does not match its manifest")
	fs.StringVar(&f.onConflict, "on-conflict", "", "when the target exists: prompt, abort, overwrite or rename")
	return cmd
}
