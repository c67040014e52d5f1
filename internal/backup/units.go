package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/lupppig/dbcycle/internal/compress"
)

var (
	createTable = []byte("CREATE TABLE")
	tableData   = []byte("TABLE DATA")
)

// unitCounter counts occurrences of a marker in a byte stream, including
// ones split across writes.
type unitCounter struct {
	marker []byte
	tail   []byte
	n      int
}

func newUnitCounter(marker []byte) *unitCounter {
	return &unitCounter{marker: marker}
}

func (c *unitCounter) Write(p []byte) (int, error) {
	buf := append(c.tail, p...)
	c.n += bytes.Count(buf, c.marker)

	keep := len(c.marker) - 1
	if keep > len(buf) {
		keep = len(buf)
	}
	c.tail = append([]byte(nil), buf[len(buf)-keep:]...)
	return len(p), nil
}

func (c *unitCounter) Count() int { return c.n }

// countUnits counts the tables in a dump that is ready to restore. It
// returns zero when the dump's form gives no way to tell.
func countUnits(ctx context.Context, path string, kind compress.ArtifactKind, algo compress.Algorithm) (int, error) {
	switch kind {
	case compress.KindDirectory:
		toc, err := os.ReadFile(filepath.Join(path, "toc.dat"))
		if os.IsNotExist(err) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return bytes.Count(toc, tableData), nil
	case compress.KindCustom:
		return countStream(ctx, path, compress.None, tableData)
	case compress.KindSQL, compress.KindCompressedSQL:
		return countStream(ctx, path, algo, createTable)
	default:
		return 0, nil
	}
}

func countStream(ctx context.Context, path string, algo compress.Algorithm, marker []byte) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if algo != compress.None && algo != "" {
		zr, err := compress.NewReader(f, algo)
		if err != nil {
			return 0, err
		}
		defer zr.Close()
		r = zr
	}

	c := newUnitCounter(marker)
	if _, err := compress.Copy(ctx, c, r); err != nil {
		return 0, err
	}
	return c.Count(), nil
}
