package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lupppig/dbcycle/internal/compress"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbcycle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DBCYCLE_CONNECTION_HOST", "db.internal")
	t.Setenv("DBCYCLE_BACKUP_JOBS", "8")
	t.Setenv("DBCYCLE_ALLOW_INSECURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Path)
	assert.True(t, cfg.AllowInsecure)
	assert.Equal(t, "db.internal", cfg.Connection.Host)
	assert.Equal(t, 8, cfg.Backup.Jobs)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.Interval)
	assert.Equal(t, strategy.DefaultHeuristics, cfg.StrategyHeuristics())

	conn := cfg.ConnectionPolicy()
	assert.Equal(t, "postgres", conn.Engine)
	assert.Equal(t, 5432, conn.Port)
}

func TestLoad_YamlFile(t *testing.T) {
	path := writeConfig(t, `
connection:
  engine: mysql
  host: 10.0.0.5
  database: shop
  user: root
  connect_timeout: 30s
backup:
  dir: /var/backups
  compress: true
  algorithm: zstd
  jobs: 4
  tables: [orders, customers]
  retention_days: 7
  keep: 3
  upload: s3://key:secret@minio:9000/backups
restore:
  conflict: rename
heuristics:
  compressed_ratio: 0.25
  restore_budget: 5m
jobs:
  - id: nightly
    database: shop
    schedule: "0 2 * * *"
    keep: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)

	conn := cfg.ConnectionPolicy()
	assert.Equal(t, "mysql", conn.Engine)
	assert.Equal(t, 3306, conn.Port)
	assert.Equal(t, "shop", conn.Database)
	assert.Equal(t, 30*time.Second, conn.Timeout)

	bp := cfg.BackupPolicy()
	assert.True(t, bp.Compression)
	assert.Equal(t, compress.Zstd, bp.Algorithm)
	assert.Equal(t, 4, bp.Jobs)
	assert.Equal(t, []string{"orders", "customers"}, bp.Tables)
	assert.Equal(t, strategy.KindDirectory, strategy.Select(bp))
	assert.Equal(t, 3, bp.Keep)

	require.Len(t, cfg.Jobs, 1)
	jp := cfg.JobPolicy(cfg.Jobs[0])
	assert.Equal(t, 10, jp.Keep)
	assert.Equal(t, 7, jp.RetentionDays)
	assert.Equal(t, "/var/backups", jp.Destination)

	h := cfg.StrategyHeuristics()
	assert.Equal(t, 0.25, h.CompressedRatio)
	assert.Equal(t, 5*time.Minute, h.RestoreBudget)
	assert.Equal(t, strategy.DefaultHeuristics.FlatRatio, h.FlatRatio)

	assert.Equal(t, "rename", cfg.Restore.Conflict)
	assert.Equal(t, 1, cfg.RestorePolicy().Jobs)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "connection:\n  port: 70000\n", "invalid port"},
		{"bad ssl mode", "connection:\n  ssl_mode: maybe\n", "invalid ssl mode"},
		{"timeout too long", "connection:\n  connect_timeout: 10m\n", "invalid connect timeout"},
		{"bad database name", "connection:\n  database: 1abc\n", "invalid database name"},
		{"unknown engine", "connection:\n  engine: oracle\n", "oracle"},
		{"too many jobs", "backup:\n  jobs: 64\n", "invalid backup.jobs 64"},
		{"bad algorithm", "backup:\n  algorithm: brotli\n", "unsupported compression algorithm"},
		{"bad conflict", "restore:\n  conflict: merge\n", "invalid restore.conflict"},
		{"bad ratio", "heuristics:\n  flat_ratio: -1\n", "heuristics.flat_ratio"},
		{"bad plateau", "heuristics:\n  plateau: 120\n", "plateau"},
		{"duplicate job", "jobs:\n  - {id: a, database: x, schedule: 1h}\n  - {id: a, database: y, schedule: 1h}\n", "duplicated"},
		{"job without schedule", "jobs:\n  - {id: a, database: x}\n", "no schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
		})
	}
}

func TestWatch_Reload(t *testing.T) {
	path := writeConfig(t, "backup:\n  jobs: 2\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(cfg *Config, err error) {
		if err == nil {
			got <- cfg
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte("backup:\n  jobs: 6\n"), 0o644))

	select {
	case cfg := <-got:
		assert.Equal(t, 6, cfg.Backup.Jobs)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not delivered")
	}
}

func TestWatch_NoPath(t *testing.T) {
	err := Watch(context.Background(), "", func(*Config, error) {})
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))
}
