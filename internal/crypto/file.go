package crypto

import (
	"context"
	"os"

	"github.com/lupppig/dbcycle/internal/compress"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// SealFile encrypts src into dst. dst is removed if anything fails.
func SealFile(ctx context.Context, src, dst string, km *KeyManager) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+src, "")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+dst, "")
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = apperrors.Wrap(cerr, apperrors.TypeResource, "failed to close "+dst, "")
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	ew, err := NewEncryptWriter(out, km)
	if err != nil {
		return err
	}
	if _, err := compress.Copy(ctx, ew, in); err != nil {
		return apperrors.Wrap(err, apperrors.TypeSecurity, "failed to encrypt "+src, "")
	}
	return ew.Close()
}

// OpenFile decrypts src into dst. dst is removed if anything fails.
func OpenFile(ctx context.Context, src, dst string, km *KeyManager) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+src, "")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+dst, "")
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = apperrors.Wrap(cerr, apperrors.TypeResource, "failed to close "+dst, "")
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	_, err = compress.Copy(ctx, out, NewDecryptReader(in, km))
	return err
}
