package process

import (
	"context"
	"os"
	"sync"
	"time"
)

// Go runs fn in its own goroutine behind a Handle, so Go-implemented
// sub-steps are supervised exactly like external binaries. Terminate cancels
// the context passed to fn; fn is expected to return promptly once it is.
func Go(ctx context.Context, name string, fn func(ctx context.Context) error) Handle {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		name:    name,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer cancel()
		err := fn(taskCtx)

		t.mu.Lock()
		defer t.mu.Unlock()
		switch {
		case t.killed:
			t.exit = Exit{Code: -1, Killed: true, Err: err}
		case err != nil:
			t.exit = Exit{Code: 1, Err: err}
			t.stderr = []string{err.Error()}
		}
		close(t.done)
	}()
	return t
}

type task struct {
	name    string
	started time.Time
	cancel  context.CancelFunc

	mu     sync.Mutex
	killed bool
	exit   Exit
	stderr []string
	done   chan struct{}
}

// Pid reports the current process; a task has no process of its own.
func (t *task) Pid() int { return os.Getpid() }

func (t *task) Name() string { return t.name }

func (t *task) StartedAt() time.Time { return t.started }

func (t *task) Running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *task) State() State {
	if t.Running() {
		return StateRunning
	}
	if t.Wait().Killed {
		return StateKilled
	}
	return StateExited
}

func (t *task) Terminate() error {
	if !t.Running() {
		return nil
	}
	t.mu.Lock()
	t.killed = true
	t.mu.Unlock()
	t.cancel()
	return nil
}

func (t *task) Wait() Exit {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exit
}

func (t *task) Done() <-chan struct{} { return t.done }

func (t *task) Stderr() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.stderr...)
}
