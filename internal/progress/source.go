package progress

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNotReady reports that the signal's underlying object does not exist yet.
var ErrNotReady = errors.New("signal source not ready")

// SignalKind names the pollable quantity a phase is tracked by.
type SignalKind string

const (
	SignalFileSize  SignalKind = "file-size"
	SignalUnitCount SignalKind = "unit-count"
	SignalElapsed   SignalKind = "elapsed"
)

type Source interface {
	Sample(ctx context.Context) (float64, error)
}

type SourceFunc func(ctx context.Context) (float64, error)

func (f SourceFunc) Sample(ctx context.Context) (float64, error) { return f(ctx) }

// PathSize samples the size of a file, or the total size of a directory tree.
func PathSize(path string) Source {
	return SourceFunc(func(ctx context.Context) (float64, error) {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotReady
		}
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			return float64(info.Size()), nil
		}
		size, err := DirSize(path)
		return float64(size), err
	})
}

// DirSize sums the sizes of regular files below dir. Files that disappear
// mid-walk are skipped.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// CountSource samples a destination object count, e.g. restored tables.
func CountSource(count func(ctx context.Context) (int, error)) Source {
	return SourceFunc(func(ctx context.Context) (float64, error) {
		n, err := count(ctx)
		return float64(n), err
	})
}

// Elapsed samples seconds since start.
func Elapsed(start time.Time) Source {
	return SourceFunc(func(ctx context.Context) (float64, error) {
		return time.Since(start).Seconds(), nil
	})
}
