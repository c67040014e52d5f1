package strategy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1000 * 1000

func TestSelect(t *testing.T) {
	tests := []struct {
		name        string
		compression bool
		jobs        int
		want        Kind
	}{
		{"compressed parallel", true, 4, KindDirectory},
		{"compressed single", true, 1, KindCompressed},
		{"compressed zero jobs", true, 0, KindCompressed},
		{"flat single", false, 1, KindFlat},
		{"flat ignores jobs", false, 4, KindFlat},
		{"flat many jobs", false, 32, KindFlat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BackupPolicy{Compression: tt.compression, Jobs: tt.jobs}
			for range 10 {
				assert.Equal(t, tt.want, Select(p))
			}
		})
	}
}

func testConn() db.ConnectionPolicy {
	return db.ConnectionPolicy{Engine: "postgres", Host: "localhost", User: "postgres", Password: "pw", Database: "app"}
}

func TestSelector_Backup(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	dir := "/backups"
	sel := NewSelector(DefaultHeuristics)

	t.Run("compressed single stream", func(t *testing.T) {
		spec, err := sel.Backup(db.PostgresEngine{}, testConn(), BackupPolicy{Compression: true, Jobs: 1, Destination: dir}, 1000*mb, now)
		require.NoError(t, err)

		assert.Equal(t, KindCompressed, spec.Kind)
		assert.Equal(t, compress.Gzip, spec.Algorithm)
		assert.Equal(t, filepath.Join(dir, "app_20240309_140507.sql.gz"), spec.OutputPath)
		assert.Equal(t, spec.OutputPath, spec.WorkPath)
		assert.Equal(t, spec.OutputPath, spec.ArtifactPath)
		require.Len(t, spec.Phases, 1)
		assert.Equal(t, PhaseDump, spec.Phases[0].Name)
		assert.Equal(t, float64(300*mb), spec.Phases[0].Target)
		assert.Equal(t, progress.Full, spec.Phases[0].Span)
		assert.Equal(t, "pg_dump", spec.Command.Name)
		assert.Contains(t, spec.Command.Args, "--format=plain")
		assert.Equal(t, DefaultTimeout, spec.Timeout)
	})

	t.Run("flat", func(t *testing.T) {
		spec, err := sel.Backup(db.PostgresEngine{}, testConn(), BackupPolicy{Jobs: 8, Destination: dir}, 1000*mb, now)
		require.NoError(t, err)

		assert.Equal(t, KindFlat, spec.Kind)
		assert.Equal(t, compress.None, spec.Algorithm)
		assert.Equal(t, filepath.Join(dir, "app_20240309_140507.sql"), spec.OutputPath)
		assert.Equal(t, float64(800*mb), spec.Phases[0].Target)
	})

	t.Run("directory with zstd", func(t *testing.T) {
		p := BackupPolicy{Compression: true, Algorithm: compress.Zstd, Jobs: 4, Destination: dir}
		spec, err := sel.Backup(db.PostgresEngine{}, testConn(), p, 1000*mb, now)
		require.NoError(t, err)

		assert.Equal(t, KindDirectory, spec.Kind)
		assert.Equal(t, db.FormatDirectory, spec.Format)
		assert.Equal(t, filepath.Join(dir, "app_20240309_140507_dir"), spec.WorkPath)
		assert.Equal(t, filepath.Join(dir, "app_20240309_140507.tar.zst"), spec.OutputPath)
		assert.Contains(t, spec.Command.Args, "--jobs=4")
		assert.Contains(t, spec.Command.Args, "--file="+spec.WorkPath)

		require.Len(t, spec.Phases, 2)
		assert.Equal(t, float64(900*mb), spec.Phases[0].Target)
		assert.Equal(t, float64(270*mb), spec.Phases[1].Target)
		assert.Equal(t, progress.Span{From: 0, To: 80}, spec.Phases[0].Span)
		assert.Equal(t, progress.Span{From: 80, To: 100}, spec.Phases[1].Span)
	})

	t.Run("encrypted adds a phase and suffix", func(t *testing.T) {
		p := BackupPolicy{Compression: true, Jobs: 2, Destination: dir, Encrypt: true, Passphrase: "pw"}
		spec, err := sel.Backup(db.PostgresEngine{}, testConn(), p, 1000*mb, now)
		require.NoError(t, err)

		assert.Equal(t, spec.OutputPath+".enc", spec.ArtifactPath)
		require.Len(t, spec.Phases, 3)
		enc, ok := spec.Phase(PhaseEncrypt)
		require.True(t, ok)
		assert.Equal(t, progress.Span{From: 90, To: 100}, enc.Span)
	})

	t.Run("name override", func(t *testing.T) {
		spec, err := sel.Backup(db.PostgresEngine{}, testConn(), BackupPolicy{Destination: dir, Name: "nightly"}, 0, now)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "nightly.sql"), spec.OutputPath)
		assert.Zero(t, spec.Phases[0].Target)
	})

	t.Run("mysql rejects the directory strategy", func(t *testing.T) {
		conn := testConn()
		conn.Engine = "mysql"
		_, err := sel.Backup(db.MySQLEngine{}, conn, BackupPolicy{Compression: true, Jobs: 4, Destination: dir}, 0, now)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
	})

	t.Run("missing destination", func(t *testing.T) {
		_, err := sel.Backup(db.PostgresEngine{}, testConn(), BackupPolicy{}, 0, now)
		assert.Error(t, err)
	})
}

func TestHeuristicsOverride(t *testing.T) {
	h := Heuristics{CompressedRatio: 0.5}.WithDefaults()
	require.NoError(t, h.Validate())
	assert.Equal(t, 0.5, h.CompressedRatio)
	assert.Equal(t, DefaultHeuristics.FlatRatio, h.FlatRatio)

	sel := NewSelector(h)
	spec, err := sel.Backup(db.PostgresEngine{}, testConn(), BackupPolicy{Compression: true, Destination: "/b"}, 1000*mb, time.Now())
	require.NoError(t, err)
	assert.Equal(t, float64(500*mb), spec.Phases[0].Target)

	bad := DefaultHeuristics
	bad.Plateau = 100
	assert.Error(t, bad.Validate())
}

func TestSplitSpans(t *testing.T) {
	phases := SplitSpans(PhaseExtract, PhaseRestore)
	assert.Equal(t, progress.Span{From: 0, To: 20}, phases[0].Span)
	assert.Equal(t, progress.Span{From: 20, To: 100}, phases[1].Span)

	phases = SplitSpans(PhaseRestore)
	assert.Equal(t, progress.Full, phases[0].Span)
}
