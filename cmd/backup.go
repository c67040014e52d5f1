package cmd

import (
	"time"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/spf13/cobra"
)

type backupFlags struct {
	conn           connFlags
	dir            string
	name           string
	compress       bool
	algorithm      string
	jobs           int
	schemas        []string
	excludeSchemas []string
	tables         []string
	excludeTables  []string
	encrypt        bool
	passphrase     string
	keyFile        string
	timeout        time.Duration
	keep           int
	retentionDays  int
	upload         string
}

func newBackupCmd() *cobra.Command {
	var f backupFlags

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a database",
		Long: `Back up a database with the engine's native dump tool.

The strategy follows from the policy: --compress writes a compressed SQL stream,
--compress with --jobs greater than 1 writes a parallel directory dump packed into
an archive, and neither writes plain SQL. Progress is estimated from the growing
output while the dump runs.`,
		Example: `  dbcycle backup --db app --compress --algorithm zstd
  dbcycle backup --db app --compress --jobs 4 --encrypt --key-file key.bin
  dbcycle backup --db app --upload s3://key:secret@minio:9000/backups --keep 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			conn := f.conn.policy(cmd, a.cfg.ConnectionPolicy())
			policy, err := f.policy(cmd, a.cfg.BackupPolicy())
			if err != nil {
				return err
			}

			a.log.Info("Backup started",
				"engine", conn.Engine,
				"database", conn.Database,
				"strategy", strategy.Select(policy),
				"dir", policy.Destination,
				"upload", storage.Scrub(policy.Upload))

			op := a.orchestrator().RunBackup(cmd.Context(), conn, policy)
			res := follow(cmd, op)
			a.record(cmd.Context(), res, "cli")
			printResult(cmd.OutOrStdout(), res)
			return res.Err
		},
	}

	f.conn.register(cmd.Flags())
	fs := cmd.Flags()
	fs.StringVarP(&f.dir, "dir", "o", "", "directory the artifact is written to")
	fs.StringVar(&f.name, "name", "", "artifact base name (default {db}_{timestamp})")
	fs.BoolVarP(&f.compress, "compress", "z", false, "compress the dump")
	fs.StringVar(&f.algorithm, "algorithm", "", "compression algorithm (gzip, zstd, lz4)")
	fs.IntVarP(&f.jobs, "jobs", "j", 0, "parallel dump jobs; above 1 selects a directory dump")
	fs.StringSliceVar(&f.schemas, "schema", nil, "only dump these schemas")
	fs.StringSliceVar(&f.excludeSchemas, "exclude-schema", nil, "skip these schemas")
	fs.StringSliceVar(&f.tables, "table", nil, "only dump these tables")
	fs.StringSliceVar(&f.excludeTables, "exclude-table", nil, "skip these tables")
	fs.BoolVar(&f.encrypt, "encrypt", false, "encrypt the finished artifact")
	fs.StringVar(&f.passphrase, "passphrase", "", "encryption passphrase (prefer DBCYCLE_BACKUP_PASSPHRASE)")
	fs.StringVar(&f.keyFile, "key-file", "", "file holding the encryption key")
	fs.DurationVar(&f.timeout, "timeout", 0, "abort the backup after this long (default 1h)")
	fs.IntVar(&f.keep, "keep", 0, "after the backup, keep only the newest N artifacts")
	fs.IntVar(&f.retentionDays, "retention-days", 0, "after the backup, delete artifacts older than N days")
	fs.StringVar(&f.upload, "upload", "", "copy the artifact to this storage URI (s3://, sftp://, ftp://)")
	return cmd
}

func (f *backupFlags) policy(cmd *cobra.Command, p strategy.BackupPolicy) (strategy.BackupPolicy, error) {
	set := cmd.Flags().Changed
	if set("dir") {
		p.Destination = f.dir
	}
	if set("name") {
		p.Name = f.name
	}
	if set("compress") {
		p.Compression = f.compress
	}
	if set("algorithm") {
		algo, err := compress.Parse(f.algorithm)
		if err != nil {
			return p, err
		}
		p.Algorithm = algo
		p.Compression = p.Compression || algo != compress.None
	}
	if set("jobs") {
		p.Jobs = f.jobs
	}
	if set("schema") {
		p.Schemas = f.schemas
	}
	if set("exclude-schema") {
		p.ExcludeSchemas = f.excludeSchemas
	}
	if set("table") {
		p.Tables = f.tables
	}
	if set("exclude-table") {
		p.ExcludeTables = f.excludeTables
	}
	if set("encrypt") {
		p.Encrypt = f.encrypt
	}
	if set("passphrase") {
		p.Passphrase = f.passphrase
	}
	if set("key-file") {
		p.KeyFile = f.keyFile
	}
	if set("timeout") {
		p.Timeout = f.timeout
	}
	if set("keep") {
		p.Keep = f.keep
	}
	if set("retention-days") {
		p.RetentionDays = f.retentionDays
	}
	if set("upload") {
		p.Upload = f.upload
	}
	return p, p.Validate()
}
