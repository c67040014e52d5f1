//go:build integration

package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresProberIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17-alpine",
			Env: map[string]string{
				"POSTGRES_DB":       "testdb",
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	conn := ConnectionPolicy{
		Engine:   "postgres",
		Host:     host,
		Port:     mapped.Int(),
		User:     "postgres",
		Password: "password",
		Database: "testdb",
		Timeout:  10 * time.Second,
	}
	p := NewProber(PostgresEngine{}, conn)
	defer p.Close()

	version, err := p.Version(ctx)
	require.NoError(t, err)
	assert.Contains(t, version, "PostgreSQL")

	ok, err := p.Exists(ctx, "testdb")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Create(ctx, "scratch_copy"))
	n, err := p.TableCount(ctx, "scratch_copy")
	require.NoError(t, err)
	assert.Zero(t, n)

	size, err := p.DatabaseSize(ctx, "scratch_copy")
	require.NoError(t, err)
	assert.Positive(t, size)

	require.NoError(t, p.Drop(ctx, "scratch_copy"))
	ok, err = p.Exists(ctx, "scratch_copy")
	require.NoError(t, err)
	assert.False(t, ok)
}
