package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <artifact>",
		Short: "Check a backup against the checksum in its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			ref := args[0]

			location, name := filepath.Dir(ref), filepath.Base(ref)
			if storage.IsRemote(ref) {
				location, name = storage.Split(ref)
			}
			s, err := storage.FromURI(location, a.storageOptions())
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := readManifest(cmd.Context(), s, name)
			if err != nil {
				return err
			}

			r, err := s.Open(cmd.Context(), name)
			if err != nil {
				return err
			}
			defer r.Close()
			sum, err := manifest.CalculateChecksum(r)
			if err != nil {
				return apperrors.Wrap(err, apperrors.TypeResource, "failed to read "+name, "")
			}
			if sum != m.Checksum {
				return apperrors.Wrap(apperrors.ErrIntegrityMismatch, apperrors.TypeIntegrity,
					fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", name, m.Checksum, sum),
					"The artifact is corrupt or was modified after the backup.")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (sha256 %s, %s %s, created %s)\n",
				name, sum, m.Engine, m.DBName, m.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func readManifest(ctx context.Context, s storage.Storage, name string) (*manifest.Manifest, error) {
	ok, err := s.Exists(ctx, name+manifest.Ext)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to look up manifest", "")
	}
	if !ok {
		return nil, apperrors.New(apperrors.TypeIntegrity, "no manifest for "+name, "Only backups made by dbcycle can be verified.")
	}
	r, err := s.Open(ctx, name+manifest.Ext)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to read manifest", "")
	}
	m, err := manifest.Deserialize(data)
	if err != nil {
		return nil, err
	}
	if m.Checksum == "" {
		return nil, apperrors.New(apperrors.TypeIntegrity, "manifest for "+name+" has no checksum", "")
	}
	return m, nil
}
