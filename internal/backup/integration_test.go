//go:build integration

package backup_test

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/conflict"
	"github.com/lupppig/dbcycle/internal/db"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	for _, bin := range []string{"pg_dump", "psql", "pg_restore"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	ctx := context.Background()
	const (
		dbName     = "app"
		dbUser     = "postgres"
		dbPassword = "password"
	)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_DB":       dbName,
				"POSTGRES_USER":     dbUser,
				"POSTGRES_PASSWORD": dbPassword,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	conn := db.ConnectionPolicy{
		Engine:   "postgres",
		Host:     host,
		Port:     port.Int(),
		Database: dbName,
		User:     dbUser,
		Password: dbPassword,
		SSLMode:  "disable",
	}

	seed, err := sql.Open("postgres", fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", dbUser, dbPassword, host, port.Int(), dbName))
	require.NoError(t, err)
	for _, stmt := range []string{
		"CREATE TABLE users (id serial PRIMARY KEY, name text)",
		"CREATE TABLE orders (id serial PRIMARY KEY, user_id int REFERENCES users(id))",
		"INSERT INTO users (name) SELECT 'user' || g FROM generate_series(1, 500) g",
	} {
		_, err := seed.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	require.NoError(t, seed.Close())

	orch := backup.New(backup.Options{Interval: 50 * time.Millisecond})

	t.Run("TestConnection", func(t *testing.T) {
		version, err := orch.TestConnection(ctx, conn)
		require.NoError(t, err)
		assert.Contains(t, version, "PostgreSQL")
	})

	tests := []struct {
		name   string
		policy strategy.BackupPolicy
		want   strategy.Kind
	}{
		{"flat", strategy.BackupPolicy{}, strategy.KindFlat},
		{"compressed", strategy.BackupPolicy{Compression: true, Algorithm: compress.Zstd}, strategy.KindCompressed},
		{"directory", strategy.BackupPolicy{Compression: true, Algorithm: compress.Gzip, Jobs: 2}, strategy.KindDirectory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.policy.Destination = t.TempDir()
			res := orch.RunBackup(ctx, conn, tt.policy).Wait()
			require.NoError(t, res.Err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.want, res.Strategy)
			assert.Equal(t, 2, res.Units)
			assert.Positive(t, res.Size)

			target := "restored_" + string(tt.want)
			restored := orch.RunRestore(ctx, conn, backup.RestorePolicy{Target: target, Jobs: 2}, res.Artifact,
				conflict.Always(conflict.Overwrite())).Wait()
			require.NoError(t, restored.Err)
			require.NotNil(t, restored.Verification)
			assert.Equal(t, 2, restored.Verification.Tables)
		})
	}
}
