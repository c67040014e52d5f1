//go:build !unix

package cmd

import (
	"io"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

func spawnDaemon(a *app, w io.Writer) error {
	return apperrors.New(apperrors.TypeConfig, "background scheduling is not supported on this platform",
		"Run `dbcycle schedule start` under a service manager instead.")
}
