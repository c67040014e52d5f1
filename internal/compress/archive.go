package compress

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// ArchiveDir writes a compressed tar of dir to dst. Entries are stored under
// dir's base name. A partially written dst is removed on error.
func ArchiveDir(ctx context.Context, dir, dst string, algo Algorithm) (err error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create archive "+dst, "")
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = apperrors.Wrap(cerr, apperrors.TypeResource, "failed to close archive", "")
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	cw, err := NewWriter(out, algo)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)
	base := filepath.Base(filepath.Clean(dir))

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = copyContext(ctx, tw, f)
		return err
	})
	if walkErr != nil {
		return wrapCopyErr(walkErr, "failed to archive "+dir)
	}
	if err := tw.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to finish tar stream", "")
	}
	if err := cw.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to flush compressor", "")
	}
	return nil
}

// ExtractArchive unpacks src into dest and returns the top-level directory it
// contained. Entries that would land outside dest are rejected.
func ExtractArchive(ctx context.Context, src, dest string, algo Algorithm) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to open archive "+src, "")
	}
	defer in.Close()

	cr, err := NewReader(in, algo)
	if err != nil {
		return "", err
	}
	defer cr.Close()

	dest = filepath.Clean(dest)
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+dest, "")
	}

	tr := tar.NewReader(cr)
	root := ""
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeIntegrity, "corrupt archive "+src, "")
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return "", err
		}
		if root == "" {
			top := strings.SplitN(filepath.ToSlash(filepath.Clean(hdr.Name)), "/", 2)[0]
			root = filepath.Join(dest, top)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+target, "")
			}
		case tar.TypeReg:
			if err := writeFile(ctx, target, tr); err != nil {
				return "", err
			}
		}
	}
	if root == "" {
		return "", apperrors.New(apperrors.TypeIntegrity, "archive "+src+" is empty", "")
	}
	return root, nil
}

func writeFile(ctx context.Context, target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+filepath.Dir(target), "")
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+target, "")
	}
	if _, err := copyContext(ctx, f, r); err != nil {
		f.Close()
		return wrapCopyErr(err, "failed to extract "+target)
	}
	return f.Close()
}

func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", apperrors.New(apperrors.TypeSecurity, fmt.Sprintf("archive entry %q escapes the extraction directory", name), "")
	}
	return target, nil
}

func wrapCopyErr(err error, msg string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.Wrap(err, apperrors.TypeResource, msg, "")
}

const copyChunk = 1 << 20

// copyContext copies in chunks so a cancelled context stops long copies.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := io.CopyN(dst, src, copyChunk)
		total += n
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Copy is copyContext for callers outside the package.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return copyContext(ctx, dst, src)
}
