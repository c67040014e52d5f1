package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/db"
	"github.com/lupppig/dbcycle/internal/history"
	"github.com/lupppig/dbcycle/internal/notify"
	"github.com/lupppig/dbcycle/internal/process"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct{}

func (stubProber) Version(context.Context) (string, error)             { return "PostgreSQL 17.0", nil }
func (stubProber) DatabaseSize(context.Context, string) (int64, error) { return 1000, nil }
func (stubProber) TableCount(context.Context, string) (int, error)     { return 1, nil }
func (stubProber) Exists(context.Context, string) (bool, error)        { return false, nil }
func (stubProber) Create(context.Context, string) error                { return nil }
func (stubProber) Drop(context.Context, string) error                  { return nil }
func (stubProber) Close() error                                        { return nil }

type stubSpawner struct {
	calls atomic.Int32
	run   func(ctx context.Context, cmd process.Command) error
}

func (s *stubSpawner) Spawn(ctx context.Context, cmd process.Command) (process.Handle, error) {
	s.calls.Add(1)
	return process.Go(ctx, cmd.Name, func(ctx context.Context) error { return s.run(ctx, cmd) }), nil
}

func dumpOK(_ context.Context, cmd process.Command) error {
	_, err := io.WriteString(cmd.Stdout, "CREATE TABLE a (id int);\n")
	return err
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (m *memoryRecorder) Save(_ context.Context, r history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryRecorder) all() []history.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Record(nil), m.records...)
}

type memoryNotifier struct {
	mu    sync.Mutex
	stats []notify.Stats
}

func (m *memoryNotifier) Notify(_ context.Context, s notify.Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = append(m.stats, s)
	return nil
}

type fixture struct {
	sched    *Scheduler
	spawner  *stubSpawner
	recorder *memoryRecorder
	notifier *memoryNotifier
	file     string
}

func newFixture(t *testing.T, run func(ctx context.Context, cmd process.Command) error) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		spawner:  &stubSpawner{run: run},
		recorder: &memoryRecorder{},
		notifier: &memoryNotifier{},
		file:     filepath.Join(dir, "schedules.json"),
	}
	orch := backup.New(backup.Options{
		Spawner:  f.spawner,
		Probers:  func(db.Engine, db.ConnectionPolicy) db.Prober { return stubProber{} },
		Interval: 5 * time.Millisecond,
	})
	conn := db.ConnectionPolicy{Engine: "postgres", Host: "localhost", Port: 5432, User: "app"}

	var err error
	f.sched, err = New(Options{
		File: f.file,
		Run: func(ctx context.Context, task Task) *backup.Operation {
			return orch.RunBackup(ctx, conn.WithDatabase(task.Database), strategy.BackupPolicy{
				Destination: filepath.Join(dir, "out", task.ID),
			})
		},
		History:    f.recorder,
		Notifier:   f.notifier,
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(f.sched.Stop)
	return f
}

func TestSpec(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"6h", "@every 6h"},
		{" 30m ", "@every 30m"},
		{"@daily", "@daily"},
		{"0 2 * * *", "0 2 * * *"},
		{"weekly", "weekly"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Spec(tt.in))
	}
	assert.NoError(t, Validate("6h"))
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.Error(t, Validate("weekly"))
}

func TestScheduler_AddListRemovePersist(t *testing.T) {
	f := newFixture(t, dumpOK)

	require.NoError(t, f.sched.AddTask(&Task{ID: "nightly", Database: "app", Schedule: "@daily"}))
	require.NoError(t, f.sched.AddTask(&Task{ID: "hourly", Database: "app", Schedule: "1h"}))
	assert.Error(t, f.sched.AddTask(&Task{ID: "bad", Database: "app", Schedule: "sometimes"}))

	tasks := f.sched.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "hourly", tasks[0].ID)
	assert.Equal(t, StatusPending, tasks[1].Status)

	require.NoError(t, f.sched.RemoveTask("hourly"))
	assert.Error(t, f.sched.RemoveTask("hourly"))

	reloaded := newFixture(t, dumpOK)
	reloaded.sched.opts.File = f.file
	require.NoError(t, reloaded.sched.Load())
	tasks = reloaded.sched.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "nightly", tasks[0].ID)
}

func TestScheduler_LoadMarksInterruptedRuns(t *testing.T) {
	f := newFixture(t, dumpOK)
	require.NoError(t, os.WriteFile(f.file,
		[]byte(`{"a":{"id":"a","database":"app","schedule":"@hourly","status":"running"}}`), 0o600))

	require.NoError(t, f.sched.Load())
	tasks := f.sched.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusFailed, tasks[0].Status)
	assert.Equal(t, "interrupted", tasks[0].LastError)
}

func TestScheduler_RunNowSuccess(t *testing.T) {
	f := newFixture(t, dumpOK)
	require.NoError(t, f.sched.AddTask(&Task{ID: "nightly", Database: "app", Schedule: "@daily"}))

	require.NoError(t, f.sched.RunNow("nightly"))

	task := f.sched.ListTasks()[0]
	assert.Equal(t, StatusSuccess, task.Status)
	assert.NotNil(t, task.LastRun)

	records := f.recorder.all()
	require.Len(t, records, 2)
	assert.Equal(t, history.StatusRunning, records[0].Status)
	assert.Equal(t, history.StatusCompleted, records[1].Status)
	assert.Equal(t, records[0].ID, records[1].ID)
	assert.Equal(t, "nightly", records[1].Trigger)

	require.Len(t, f.notifier.stats, 1)
	assert.Equal(t, notify.StatusSuccess, f.notifier.stats[0].Status)
}

func TestScheduler_RetriesThenFails(t *testing.T) {
	f := newFixture(t, func(context.Context, process.Command) error { return errors.New("pg_dump: connection lost") })
	require.NoError(t, f.sched.AddTask(&Task{
		ID: "flaky", Database: "app", Schedule: "@daily",
		Options: TaskOptions{Retries: 2, RetryDelay: "1ms"},
	}))

	err := f.sched.RunNow("flaky")
	require.Error(t, err)

	assert.Equal(t, int32(3), f.spawner.calls.Load())
	task := f.sched.ListTasks()[0]
	assert.Equal(t, StatusFailed, task.Status)
	assert.NotEmpty(t, task.LastError)
	assert.Len(t, f.recorder.all(), 6)
	require.Len(t, f.notifier.stats, 1)
	assert.Equal(t, notify.StatusError, f.notifier.stats[0].Status)
}

func TestScheduler_SkipsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, cmd process.Command) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return dumpOK(ctx, cmd)
	})
	require.NoError(t, f.sched.AddTask(&Task{ID: "slow", Database: "app", Schedule: "@daily"}))

	done := make(chan error, 1)
	go func() { done <- f.sched.RunNow("slow") }()

	require.Eventually(t, func() bool {
		return f.sched.ListTasks()[0].Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.sched.RunNow("slow"), errSkipped)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), f.spawner.calls.Load())
}

func TestScheduler_SyncConfig(t *testing.T) {
	f := newFixture(t, dumpOK)
	require.NoError(t, f.sched.AddTask(&Task{ID: "stored", Database: "app", Schedule: "@daily"}))

	require.NoError(t, f.sched.SyncConfig([]*Task{
		{ID: "from-config", Database: "app", Schedule: "2h"},
		{ID: "stored", Database: "other", Schedule: "1h"},
	}))
	tasks := f.sched.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "app", tasks[1].Database, "stored task is not replaced by config")

	require.NoError(t, f.sched.SyncConfig([]*Task{{ID: "renamed", Database: "app", Schedule: "3h"}}))
	ids := []string{}
	for _, task := range f.sched.ListTasks() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"renamed", "stored"}, ids)

	data, err := os.ReadFile(f.file)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "renamed")
}
