package cmd

import (
	"bytes"
	"context"
	"fmt"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var (
		from, to, engine, database string
		overwrite, dryRun          bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy backups and their manifests between storage locations",
		Example: `  dbcycle migrate --from ./backups --to s3://key:secret@minio:9000/backups
  dbcycle migrate --from sftp://backup@host/srv/db --to ./restore-cache --db app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if from == "" || to == "" {
				return apperrors.New(apperrors.TypeConfig, "--from and --to are required", "")
			}

			src, err := storage.FromURI(from, a.storageOptions())
			if err != nil {
				return err
			}
			defer src.Close()
			dst, err := storage.FromURI(to, a.storageOptions())
			if err != nil {
				return err
			}
			defer dst.Close()

			entries, err := storage.Catalog(cmd.Context(), src, storage.CatalogFilter{Engine: engine, Database: database})
			if err != nil {
				return err
			}
			a.log.Info("Starting migration", "from", storage.Scrub(from), "to", storage.Scrub(to), "backups", len(entries))

			copied, skipped := 0, 0
			for _, e := range entries {
				if !overwrite {
					exists, err := dst.Exists(cmd.Context(), e.Name)
					if err != nil {
						return err
					}
					if exists {
						a.log.Debug("already at destination", "name", e.Name)
						skipped++
						continue
					}
				}
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "would copy %s\n", e.Name)
					copied++
					continue
				}
				if err := migrateEntry(cmd.Context(), src, dst, e); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "copied %s\n", e.Name)
				copied++
			}

			a.log.Info("Migration finished", "copied", copied, "skipped", skipped)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&from, "from", "", "source directory or storage URI")
	fs.StringVar(&to, "to", "", "destination directory or storage URI")
	fs.StringVar(&engine, "engine", "", "only copy backups of this engine")
	fs.StringVarP(&database, "db", "d", "", "only copy backups of this database")
	fs.BoolVar(&overwrite, "overwrite", false, "replace backups that already exist at the destination")
	fs.BoolVar(&dryRun, "dry-run", false, "only print what would be copied")
	return cmd
}

// migrateEntry copies the artifact first so a manifest never points at a
// missing artifact.
func migrateEntry(ctx context.Context, src, dst storage.Storage, e storage.Entry) error {
	r, err := src.Open(ctx, e.Name)
	if err != nil {
		return err
	}
	_, err = dst.Save(ctx, e.Name, r)
	r.Close()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to copy "+e.Name, "")
	}

	if e.Manifest == nil {
		return nil
	}
	data, err := e.Manifest.Serialize()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to encode manifest", "")
	}
	if _, err := dst.Save(ctx, manifest.PathFor(e.Name), bytes.NewReader(data)); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to copy manifest for "+e.Name, "")
	}
	return nil
}
