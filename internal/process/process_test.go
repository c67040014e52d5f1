package process

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func TestExecSpawner_ExitCodes(t *testing.T) {
	skipWithoutShell(t)

	tests := []struct {
		name     string
		script   string
		wantCode int
		success  bool
	}{
		{"success", "exit 0", 0, true},
		{"failure", "exit 3", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := ExecSpawner{}.Spawn(context.Background(), Command{Name: "sh", Args: []string{"-c", tt.script}})
			require.NoError(t, err)

			exit := h.Wait()
			assert.Equal(t, tt.wantCode, exit.Code)
			assert.Equal(t, tt.success, exit.Success())
			assert.False(t, h.Running())
			assert.Equal(t, StateExited, h.State())
		})
	}
}

func TestExecSpawner_CapturesOutput(t *testing.T) {
	skipWithoutShell(t)

	var out bytes.Buffer
	h, err := ExecSpawner{}.Spawn(context.Background(), Command{
		Name:        "sh",
		Args:        []string{"-c", "echo CREATE TABLE a; echo one >&2; echo two >&2; echo three >&2"},
		Stdout:      &out,
		StderrLines: 2,
	})
	require.NoError(t, err)
	require.True(t, h.Wait().Success())

	assert.Equal(t, "CREATE TABLE a\n", out.String())
	assert.Equal(t, []string{"two", "three"}, h.Stderr())
}

func TestExecSpawner_Stdin(t *testing.T) {
	skipWithoutShell(t)

	var out bytes.Buffer
	h, err := ExecSpawner{}.Spawn(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "cat"},
		Stdin:  strings.NewReader("select 1;"),
		Stdout: &out,
	})
	require.NoError(t, err)
	require.True(t, h.Wait().Success())
	assert.Equal(t, "select 1;", out.String())
}

func TestExecSpawner_MissingBinary(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(context.Background(), Command{Name: "definitely-not-a-dump-tool"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeSpawn))
}

func TestExecSpawner_Terminate(t *testing.T) {
	skipWithoutShell(t)

	h, err := ExecSpawner{}.Spawn(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	assert.True(t, h.Running())
	assert.Greater(t, h.Pid(), 0)

	require.NoError(t, h.Terminate())

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process was not terminated")
	}
	exit := h.Wait()
	assert.True(t, exit.Killed)
	assert.False(t, exit.Success())
	assert.Equal(t, StateKilled, h.State())
	assert.NoError(t, h.Terminate())
}

func TestSupervise_CancelKills(t *testing.T) {
	skipWithoutShell(t)

	h, err := ExecSpawner{}.Spawn(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	exit := Supervise(ctx, h)
	assert.True(t, exit.Killed)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestGo(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := Go(context.Background(), "archive", func(ctx context.Context) error { return nil })
		exit := h.Wait()
		assert.True(t, exit.Success())
		assert.Equal(t, "archive", h.Name())
		assert.Equal(t, StateExited, h.State())
	})

	t.Run("failure", func(t *testing.T) {
		h := Go(context.Background(), "extract", func(ctx context.Context) error { return errors.New("corrupt tar header") })
		exit := h.Wait()
		assert.Equal(t, 1, exit.Code)
		assert.Equal(t, []string{"corrupt tar header"}, h.Stderr())
	})

	t.Run("terminate", func(t *testing.T) {
		started := make(chan struct{})
		h := Go(context.Background(), "encrypt", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		<-started
		assert.True(t, h.Running())
		require.NoError(t, h.Terminate())
		exit := h.Wait()
		assert.True(t, exit.Killed)
		assert.Equal(t, StateKilled, h.State())
	})
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	_, _ = tb.Write([]byte("a\nb\nc"))
	_, _ = tb.Write([]byte("d\ne\n"))
	assert.Equal(t, []string{"b", "cd", "e"}, tb.Lines())

	_, _ = tb.Write([]byte("partial"))
	assert.Equal(t, []string{"cd", "e", "partial"}, tb.Lines())
}
