// Package scheduler runs recurring backups on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lupppig/dbcycle/internal/backup"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/history"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/notify"
	"github.com/robfig/cron/v3"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
)

// Task is one recurring backup.
type Task struct {
	ID        string      `json:"id"`
	Database  string      `json:"database"`
	Schedule  string      `json:"schedule"` // cron expression, descriptor or Go duration
	Status    TaskStatus  `json:"status"`
	LastRun   *time.Time  `json:"last_run,omitempty"`
	NextRun   *time.Time  `json:"next_run,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	Options   TaskOptions `json:"options"`

	// FromConfig marks tasks declared in dbcycle.yaml; they are not
	// written to the schedules file.
	FromConfig bool `json:"-"`

	cronID cron.EntryID
}

type TaskOptions struct {
	Dir           string `json:"dir,omitempty"`
	Upload        string `json:"upload,omitempty"`
	Compress      bool   `json:"compress,omitempty"`
	Algorithm     string `json:"algorithm,omitempty"`
	Jobs          int    `json:"jobs,omitempty"`
	Keep          int    `json:"keep,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	Retries       int    `json:"retries,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
}

// Runner starts one backup for a task.
type Runner func(ctx context.Context, t Task) *backup.Operation

// Recorder stores operation outcomes. *history.Store implements it.
type Recorder interface {
	Save(ctx context.Context, r history.Record) error
}

type Options struct {
	// File is where tasks are persisted, normally ~/.dbcycle/schedules.json.
	File       string
	Run        Runner
	History    Recorder
	Notifier   notify.Notifier
	Logger     *logger.Logger
	Retries    int
	RetryDelay time.Duration
}

type Scheduler struct {
	cron  *cron.Cron
	opts  Options
	log   *logger.Logger
	mu    sync.RWMutex
	tasks map[string]*Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Scheduler, error) {
	if opts.Run == nil {
		return nil, apperrors.New(apperrors.TypeInternal, "scheduler needs a runner", "")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Notifier == nil {
		opts.Notifier = &notify.MultiNotifier{}
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to create scheduler directory", "")
		}
	}

	cl := cronLogger{opts.Logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		opts:   opts,
		log:    opts.Logger,
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop, cancels running backups and waits for them.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.wg.Wait()
}

// Spec normalises a schedule: a Go duration such as "6h" becomes "@every 6h".
func Spec(schedule string) string {
	schedule = strings.TrimSpace(schedule)
	if strings.HasPrefix(schedule, "@") || strings.Contains(schedule, " ") {
		return schedule
	}
	if _, err := time.ParseDuration(schedule); err == nil {
		return "@every " + schedule
	}
	return schedule
}

// Validate reports whether schedule can be parsed.
func Validate(schedule string) error {
	if _, err := cron.ParseStandard(Spec(schedule)); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, fmt.Sprintf("invalid schedule %q", schedule),
			`Use a cron expression such as "0 2 * * *", a descriptor such as @daily, or a duration such as 6h.`)
	}
	return nil
}

// Load reads persisted tasks and registers them with cron.
func (s *Scheduler) Load() error {
	if s.opts.File == "" {
		return nil
	}
	data, err := os.ReadFile(s.opts.File)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to read schedules", "")
	}

	var stored map[string]*Task
	if err := json.Unmarshal(data, &stored); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "failed to parse "+s.opts.File, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range stored {
		// a task marked running belonged to a process that is gone
		if t.Status == StatusRunning {
			t.Status = StatusFailed
			t.LastError = "interrupted"
		}
		if err := s.registerLocked(t); err != nil {
			s.log.Warn("skipping stored schedule", "id", t.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) registerLocked(t *Task) error {
	if t.ID == "" {
		return apperrors.New(apperrors.TypeConfig, "task id is required", "")
	}
	if err := Validate(t.Schedule); err != nil {
		return err
	}
	if old, ok := s.tasks[t.ID]; ok {
		s.cron.Remove(old.cronID)
	}
	id := t.ID
	entry, err := s.cron.AddFunc(Spec(t.Schedule), func() { s.execute(id) })
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, fmt.Sprintf("invalid schedule %q", t.Schedule), "")
	}
	t.cronID = entry
	if t.Status == "" {
		t.Status = StatusPending
	}
	s.tasks[t.ID] = t
	return nil
}

// AddTask registers t, replacing a task with the same ID, and persists it.
func (s *Scheduler) AddTask(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(t); err != nil {
		return err
	}
	return s.saveLocked()
}

func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return apperrors.New(apperrors.TypeConfig, "task not found: "+id, "Run `dbcycle schedule list`.")
	}
	s.cron.Remove(t.cronID)
	delete(s.tasks, id)
	return s.saveLocked()
}

// SyncConfig replaces all config-declared tasks with tasks. Persisted tasks
// with the same ID are left alone.
func (s *Scheduler) SyncConfig(tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if t.FromConfig {
			s.cron.Remove(t.cronID)
			delete(s.tasks, id)
		}
	}
	var errs []error
	for _, t := range tasks {
		if existing, ok := s.tasks[t.ID]; ok && !existing.FromConfig {
			s.log.Warn("config job shadowed by stored schedule", "id", t.ID)
			continue
		}
		t.FromConfig = true
		if err := s.registerLocked(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListTasks returns a snapshot of all tasks ordered by ID.
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		c := *t
		if entry := s.cron.Entry(t.cronID); !entry.Next.IsZero() {
			next := entry.Next
			c.NextRun = &next
		}
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Scheduler) saveLocked() error {
	if s.opts.File == "" {
		return nil
	}
	stored := make(map[string]*Task)
	for id, t := range s.tasks {
		if !t.FromConfig {
			stored[id] = t
		}
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to encode schedules", "")
	}
	tmp := s.opts.File + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to write schedules", "")
	}
	if err := os.Rename(tmp, s.opts.File); err != nil {
		os.Remove(tmp)
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to write schedules", "")
	}
	return nil
}

// RunNow executes the task immediately and waits for it.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	_, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.TypeConfig, "task not found: "+id, "")
	}
	return s.execute(id)
}

var errSkipped = errors.New("task already running")

func (s *Scheduler) execute(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if t.Status == StatusRunning {
		s.mu.Unlock()
		s.log.Warn("skipping scheduled backup: previous run still active", "id", id)
		return errSkipped
	}
	t.Status = StatusRunning
	now := time.Now()
	t.LastRun = &now
	snapshot := *t
	s.wg.Add(1)
	s.saveOrWarn()
	s.mu.Unlock()
	defer s.wg.Done()

	retries, delay := s.retryPolicy(snapshot)
	var res backup.Result
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			s.log.Info("retrying scheduled backup", "id", id, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
			}
		}
		if s.ctx.Err() != nil {
			break
		}
		res = s.attempt(snapshot)
		if res.Success || res.Status == backup.StatusCancelled {
			break
		}
	}
	if res.ID == "" {
		res = backup.Result{Operation: "backup", Status: backup.StatusCancelled, Database: snapshot.Database, Err: apperrors.ErrCancelled}
	}

	s.mu.Lock()
	if res.Success {
		t.Status = StatusSuccess
		t.LastError = ""
		s.log.Info("scheduled backup succeeded", "id", id, "artifact", res.Artifact)
	} else {
		t.Status = StatusFailed
		t.LastError = res.Message()
		s.log.Error("scheduled backup failed", "id", id, "error", res.Err)
	}
	s.saveOrWarn()
	s.mu.Unlock()

	if err := s.opts.Notifier.Notify(context.WithoutCancel(s.ctx), notify.FromResult(res, id)); err != nil {
		s.log.Warn("notification failed", "id", id, "error", err)
	}
	if !res.Success {
		return res.Err
	}
	return nil
}

func (s *Scheduler) attempt(t Task) backup.Result {
	op := s.opts.Run(s.ctx, t)
	started := time.Now()
	s.record(history.Running(op.ID, "backup", "", t.Database, t.ID, started))
	res := op.Wait()
	s.record(history.FromResult(res, t.ID))
	return res
}

func (s *Scheduler) record(r history.Record) {
	if s.opts.History == nil || r.ID == "" {
		return
	}
	if err := s.opts.History.Save(context.WithoutCancel(s.ctx), r); err != nil {
		s.log.Warn("failed to record history", "id", r.ID, "error", err)
	}
}

func (s *Scheduler) retryPolicy(t Task) (int, time.Duration) {
	retries, delay := s.opts.Retries, s.opts.RetryDelay
	if t.Options.Retries > 0 {
		retries = t.Options.Retries
	}
	if t.Options.RetryDelay != "" {
		if d, err := time.ParseDuration(t.Options.RetryDelay); err == nil {
			delay = d
		}
	}
	return retries, delay
}

func (s *Scheduler) saveOrWarn() {
	if err := s.saveLocked(); err != nil {
		s.log.Warn("failed to persist schedules", "error", err)
	}
}

type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
