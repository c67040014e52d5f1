package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/crypto"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

func newRekeyCmd() *cobra.Command {
	var (
		dir, database             string
		oldPassphrase, oldKeyFile string
		newPassphrase, newKeyFile string
	)

	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt local backups with a new passphrase or key file",
		Long: `Decrypt every encrypted backup in a local directory with the old key and
encrypt it again with the new one. Manifests are updated with the new checksum.
Each artifact is replaced only after its re-encrypted copy is complete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			if dir == "" {
				dir = a.cfg.Backup.Dir
			}
			if storage.IsRemote(dir) {
				return apperrors.New(apperrors.TypeConfig, "rekey works on local directories only",
					"Copy the backups locally with `dbcycle migrate`, rekey, then copy them back.")
			}
			oldKM, err := crypto.NewKeyManager(oldPassphrase, oldKeyFile)
			if err != nil {
				return err
			}
			newKM, err := crypto.NewKeyManager(newPassphrase, newKeyFile)
			if err != nil {
				return err
			}

			local := storage.NewLocalStorage(dir)
			entries, err := storage.Catalog(cmd.Context(), local, storage.CatalogFilter{Database: database})
			if err != nil {
				return err
			}

			count := 0
			for _, e := range entries {
				if !strings.HasSuffix(e.Name, compress.EncryptedExt) {
					continue
				}
				a.log.Info("Rekeying backup", "name", e.Name)
				if err := rekeyFile(cmd.Context(), local.Path(e.Name), oldKM, newKM); err != nil {
					return err
				}
				count++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d backups re-encrypted\n", count)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&dir, "dir", "", "directory holding the backups (default: backup.dir)")
	fs.StringVarP(&database, "db", "d", "", "only rekey backups of this database")
	fs.StringVar(&oldPassphrase, "old-passphrase", "", "current passphrase")
	fs.StringVar(&oldKeyFile, "old-key-file", "", "current key file")
	fs.StringVar(&newPassphrase, "new-passphrase", "", "new passphrase")
	fs.StringVar(&newKeyFile, "new-key-file", "", "new key file")
	return cmd
}

func rekeyFile(ctx context.Context, path string, oldKM, newKM *crypto.KeyManager) error {
	plain := path + ".plain.tmp"
	sealed := path + ".rekey.tmp"
	defer os.Remove(plain)
	defer os.Remove(sealed)

	if err := crypto.OpenFile(ctx, path, plain, oldKM); err != nil {
		return apperrors.Wrap(err, apperrors.TypeSecurity, "failed to decrypt "+path,
			"Check the old passphrase or key file.")
	}
	if err := crypto.SealFile(ctx, plain, sealed, newKM); err != nil {
		return err
	}

	sum, err := manifest.ChecksumFile(sealed)
	if err != nil {
		return err
	}
	info, err := os.Stat(sealed)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to stat "+sealed, "")
	}
	if err := os.Rename(sealed, path); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to replace "+path, "")
	}

	m, err := manifest.Read(path)
	if err != nil || m == nil {
		return err
	}
	m.Checksum = sum
	m.Size = info.Size()
	return manifest.Write(path, m)
}
