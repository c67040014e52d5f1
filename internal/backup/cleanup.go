package backup

import (
	"context"
	"os"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
)

// cleanup remembers everything an operation created so a failure can undo
// it. Undo runs in reverse order of registration.
type cleanup struct {
	log   *logger.Logger
	paths []string
	funcs []func(ctx context.Context) error
}

func newCleanup(log *logger.Logger) *cleanup {
	return &cleanup{log: log}
}

func (c *cleanup) trackPath(path string) {
	if path == "" {
		return
	}
	for _, p := range c.paths {
		if p == path {
			return
		}
	}
	c.paths = append(c.paths, path)
}

func (c *cleanup) trackFunc(fn func(ctx context.Context) error) {
	c.funcs = append(c.funcs, fn)
}

// run removes tracked output. It returns the first path that could not be
// removed so the caller can report it.
func (c *cleanup) run(ctx context.Context) string {
	ctx, cancel := detached(ctx)
	defer cancel()

	for i := len(c.funcs) - 1; i >= 0; i-- {
		if err := c.funcs[i](ctx); err != nil {
			c.log.Warn("Cleanup step failed", "error",
				apperrors.Wrap(err, apperrors.TypeCleanup, "cleanup failed", ""))
		}
	}

	partial := ""
	for i := len(c.paths) - 1; i >= 0; i-- {
		p := c.paths[i]
		if _, err := os.Lstat(p); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			c.log.Warn("Failed to remove partial output", "path", p, "error",
				apperrors.Wrap(err, apperrors.TypeCleanup, "cleanup failed", "Remove the file manually."))
			if partial == "" {
				partial = p
			}
			continue
		}
		c.log.Debug("Removed partial output", "path", p)
	}
	c.paths = nil
	c.funcs = nil
	return partial
}

// forget drops a path that should survive a later failure.
func (c *cleanup) forget(path string) {
	for i, p := range c.paths {
		if p == path {
			c.paths = append(c.paths[:i], c.paths[i+1:]...)
			return
		}
	}
}
