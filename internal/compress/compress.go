// Package compress provides the stream codecs and tar archiving used for
// backup artifacts.
package compress

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/pierrec/lz4/v4"
)

type Algorithm string

const (
	Gzip Algorithm = "gzip"
	Zstd Algorithm = "zstd"
	Lz4  Algorithm = "lz4"
	None Algorithm = "none"
)

// Default is used when compression is enabled without naming an algorithm.
const Default = Gzip

var Algorithms = []Algorithm{Gzip, Zstd, Lz4}

func Parse(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return Lz4, nil
	case "none":
		return None, nil
	}
	return "", apperrors.New(apperrors.TypeConfig, "unsupported compression algorithm: "+s, "Use gzip, zstd or lz4.")
}

// Extension is the file suffix for the algorithm, including the dot.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case Lz4:
		return ".lz4"
	default:
		return ""
	}
}

// NewWriter wraps w in a compressor. Closing the returned writer flushes the
// compressor but leaves w open.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeInternal, "failed to create zstd writer", "")
		}
		return zw, nil
	case Lz4:
		return lz4.NewWriter(w), nil
	case None, "":
		return nopWriteCloser{w}, nil
	}
	return nil, apperrors.New(apperrors.TypeConfig, "unsupported compression algorithm: "+string(algo), "")
}

// NewReader wraps r in a decompressor. Closing the returned reader releases
// decoder state but leaves r open.
func NewReader(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeIntegrity, "invalid gzip stream", "The artifact may be truncated or not gzip-compressed.")
		}
		return gr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeIntegrity, "invalid zstd stream", "")
		}
		return zr.IOReadCloser(), nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case None, "":
		return io.NopCloser(r), nil
	}
	return nil, apperrors.New(apperrors.TypeConfig, "unsupported compression algorithm: "+string(algo), "")
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
