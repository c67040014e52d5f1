package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/spf13/cobra"
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the native tools and storage targets are usable",
		Long: `Verify that the dump and restore tools of every supported engine are on PATH,
and that the configured backup directory and upload target accept writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFrom(cmd)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "dbcycle doctor (%s/%s)\n\n", runtime.GOOS, runtime.GOARCH)

			configured := true
			for _, name := range db.Names() {
				engine, err := db.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "[%s]\n", name)
				for _, bin := range engine.Binaries() {
					path, err := lookPath(bin)
					if err != nil {
						fmt.Fprintf(w, "  [ ] %-12s not found\n", bin)
						if name == a.cfg.Connection.Engine {
							configured = false
						}
						continue
					}
					fmt.Fprintf(w, "  [x] %-12s %s\n", bin, path)
				}
				fmt.Fprintln(w)
			}

			targets := []string{a.cfg.Backup.Dir}
			if a.cfg.Backup.Upload != "" {
				targets = append(targets, a.cfg.Backup.Upload)
			}
			for _, j := range a.cfg.Jobs {
				if j.Upload != "" {
					targets = append(targets, j.Upload)
				}
			}
			reachable := true
			fmt.Fprintln(w, "[storage]")
			for _, target := range targets {
				if err := checkTarget(cmd.Context(), w, target, a.storageOptions()); err != nil {
					reachable = false
				}
			}

			if !configured || !reachable {
				return apperrors.New(apperrors.TypeConfig, "environment is not ready",
					"Install the missing tools for "+a.cfg.Connection.Engine+" and check the storage targets above.")
			}
			fmt.Fprintln(w, "\nall checks passed")
			return nil
		},
	}
}

// checkTarget writes, reads back and deletes a small probe object.
func checkTarget(ctx context.Context, w io.Writer, target string, opts storage.StorageOptions) error {
	const probe = ".dbcycle_doctor"
	start := time.Now()

	fail := func(step string, err error) error {
		fmt.Fprintf(w, "  [ ] %s: %s failed: %v\n", storage.Scrub(target), step, err)
		return err
	}

	s, err := storage.FromURI(target, opts)
	if err != nil {
		return fail("connect", err)
	}
	defer s.Close()

	if _, err := s.Save(ctx, probe, bytes.NewReader([]byte("ok"))); err != nil {
		return fail("write", err)
	}
	defer s.Delete(context.WithoutCancel(ctx), probe)

	r, err := s.Open(ctx, probe)
	if err != nil {
		return fail("read", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return fail("read", err)
	}
	if string(data) != "ok" {
		return fail("read", fmt.Errorf("probe came back as %q", data))
	}

	fmt.Fprintf(w, "  [x] %s: read/write ok (%s)\n", storage.Scrub(target), time.Since(start).Truncate(time.Millisecond))
	return nil
}
