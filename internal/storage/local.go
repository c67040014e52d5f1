package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lupppig/dbcycle/internal/compress"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

type LocalStorage struct {
	baseDir string
}

func NewLocalStorage(baseDir string) *LocalStorage {
	if baseDir == "" {
		baseDir = "."
	}
	return &LocalStorage{baseDir: baseDir}
}

func (s *LocalStorage) path(name string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(name))
}

// Save writes to a .tmp file first and renames it into place.
func (s *LocalStorage) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	path := s.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create directory", "")
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create temp file", "")
	}
	defer os.Remove(tmpPath)

	if _, err := compress.Copy(ctx, f, r); err != nil {
		f.Close()
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to write "+name, "")
	}
	if err := f.Close(); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to write "+name, "")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to finalize "+name, "")
	}
	return path, nil
}

func (s *LocalStorage) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+name, "")
	}
	return f, nil
}

func (s *LocalStorage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *LocalStorage) Delete(ctx context.Context, name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to delete "+name, "")
	}
	return nil
}

func (s *LocalStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to list "+s.baseDir, "")
	}

	var objects []Object
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return objects, nil
}

func (s *LocalStorage) Location() string {
	return s.baseDir
}

// Path returns the filesystem path of name.
func (s *LocalStorage) Path(name string) string {
	return s.path(name)
}

func (s *LocalStorage) Close() error { return nil }
