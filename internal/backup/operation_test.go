package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lupppig/dbcycle/internal/compress"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/process"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_LatestWins(t *testing.T) {
	op := newOperation("id", "backup", func() {})

	for i := 1; i <= 50; i++ {
		op.publish(progress.Estimate{Phase: "dump", Percent: i})
	}
	e := <-op.Progress()
	assert.Equal(t, 50, e.Percent)

	op.finish(Result{Success: true, Status: StatusCompleted})
	_, open := <-op.Progress()
	assert.False(t, open)
	assert.True(t, op.Wait().Success)
}

func TestOperation_NeverGoesBackwards(t *testing.T) {
	op := newOperation("id", "restore", func() {})

	op.publish(progress.Estimate{Phase: "extract", Percent: 19})
	<-op.Progress()
	op.publish(progress.Estimate{Phase: "restore", Percent: 12})
	e := <-op.Progress()
	assert.Equal(t, "restore", e.Phase)
	assert.Equal(t, 19, e.Percent)
}

func TestOperation_CancelCallsCancelFunc(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := newOperation("id", "backup", cancel)
	op.Cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusCompleted},
		{apperrors.ErrConflictAborted, StatusCancelled},
		{apperrors.Wrap(context.Canceled, apperrors.TypeCancelled, "dump cancelled", ""), StatusCancelled},
		{apperrors.New(apperrors.TypeTimeout, "too slow", ""), StatusFailed},
		{errors.New("boom"), StatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err))
	}
}

func TestUnitCounter_SplitAcrossWrites(t *testing.T) {
	c := newUnitCounter(createTable)
	for _, chunk := range []string{"CREATE TA", "BLE a (); CREATE", " TABLE b (); CREATE TABLE", " c ();"} {
		_, err := c.Write([]byte(chunk))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Count())
}

func TestCountUnits(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	plain := filepath.Join(dir, "a.sql")
	require.NoError(t, os.WriteFile(plain, []byte(dumpSQL), 0o600))

	var buf bytes.Buffer
	zw, err := compress.NewWriter(&buf, compress.Lz4)
	require.NoError(t, err)
	_, _ = zw.Write([]byte(strings.Repeat("CREATE TABLE t (); ", 7)))
	require.NoError(t, zw.Close())
	packed := filepath.Join(dir, "a.sql.lz4")
	require.NoError(t, os.WriteFile(packed, buf.Bytes(), 0o600))

	dumpDir := filepath.Join(dir, "d")
	require.NoError(t, os.MkdirAll(dumpDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dumpDir, "toc.dat"), []byte("TABLE DATA x TABLE DATA y"), 0o600))

	tests := []struct {
		name string
		path string
		kind compress.ArtifactKind
		algo compress.Algorithm
		want int
	}{
		{"plain sql", plain, compress.KindSQL, compress.None, 2},
		{"compressed sql", packed, compress.KindCompressedSQL, compress.Lz4, 7},
		{"directory", dumpDir, compress.KindDirectory, compress.None, 2},
		{"directory without toc", dir, compress.KindDirectory, compress.None, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := countUnits(ctx, tt.path, tt.kind, tt.algo)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestClassify(t *testing.T) {
	h := fakeHandle{Handle: process.Go(context.Background(), "x", func(context.Context) error { return nil }), stderr: []string{"fatal"}}
	h.Wait()

	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()

	tests := []struct {
		name string
		ctx  context.Context
		exit process.Exit
		want apperrors.ErrorType
	}{
		{"success", context.Background(), process.Exit{}, ""},
		{"timeout", expired, process.Exit{Code: -1, Killed: true}, apperrors.TypeTimeout},
		{"cancelled", cancelled, process.Exit{Code: -1, Killed: true}, apperrors.TypeCancelled},
		{"non-zero exit", context.Background(), process.Exit{Code: 1}, apperrors.TypeProcess},
		{"task error keeps its type", context.Background(),
			process.Exit{Code: 1, Err: apperrors.New(apperrors.TypeSecurity, "bad key", "")}, apperrors.TypeSecurity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.ctx, "dump", "pg_dump", h, tt.exit)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, apperrors.TypeOf(err))
		})
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "partial.sql")
	sub := filepath.Join(dir, "work")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "nested"), 0o755))
	kept := filepath.Join(dir, "kept.sql")
	require.NoError(t, os.WriteFile(kept, []byte("x"), 0o600))

	var undone bool
	c := newCleanup(logger.Nop())
	c.trackPath(file)
	c.trackPath(sub)
	c.trackPath(kept)
	c.trackPath(filepath.Join(dir, "never-created"))
	c.forget(kept)
	c.trackFunc(func(context.Context) error {
		undone = true
		return nil
	})

	assert.Empty(t, c.run(context.Background()))
	assert.True(t, undone)
	assert.NoFileExists(t, file)
	assert.NoDirExists(t, sub)
	assert.FileExists(t, kept)
}
