//go:build unix

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// spawnDaemon starts `dbcycle schedule start` in its own session so it
// outlives the terminal.
func spawnDaemon(a *app, w io.Writer) error {
	exe, err := os.Executable()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to find the dbcycle executable", "")
	}

	args := []string{"schedule", "start", "--daemon"}
	if a.cfg.Path != "" {
		args = append(args, "--config", a.cfg.Path)
	}
	if a.cfg.Log.File != "" {
		args = append(args, "--log-file", a.cfg.Log.File)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = filepath.Dir(exe)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to start the scheduler daemon", "")
	}

	a.log.Info("Scheduler daemon started", "pid", cmd.Process.Pid)
	fmt.Fprintf(w, "scheduler running as pid %d\n", cmd.Process.Pid)
	return cmd.Process.Release()
}
