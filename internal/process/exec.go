package process

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// waitDelay bounds how long Wait waits for I/O copying after the child exits.
const waitDelay = 5 * time.Second

// ExecSpawner starts real OS processes.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, c Command) (Handle, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeSpawn,
			"executable not found: "+c.Name,
			"Install the database client tools and make sure "+c.Name+" is on your PATH.")
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = io.Discard
	}
	tail := newTailBuffer(c.StderrLines)
	cmd.Stderr = tail
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		t := apperrors.TypeSpawn
		if errors.Is(err, os.ErrPermission) {
			return nil, apperrors.Wrap(err, t, "permission denied starting "+c.Name, "Check the executable permissions.")
		}
		return nil, apperrors.Wrap(err, t, "failed to start "+c.Name, "")
	}

	h := &execHandle{
		cmd:     cmd,
		name:    c.Name,
		started: time.Now(),
		stderr:  tail,
		done:    make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	name    string
	started time.Time
	stderr  *tailBuffer

	mu     sync.Mutex
	killed bool
	exit   Exit
	done   chan struct{}
}

func (h *execHandle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	exit := Exit{Killed: h.killed}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		exit.Code = exitErr.ExitCode()
		if exit.Code < 0 {
			// terminated by a signal
			exit.Code = -1
			exit.Killed = true
		}
	default:
		exit.Code = -1
		exit.Err = err
	}
	h.exit = exit
	close(h.done)
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Name() string { return h.name }

func (h *execHandle) StartedAt() time.Time { return h.started }

func (h *execHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) State() State {
	if h.Running() {
		return StateRunning
	}
	if h.Wait().Killed {
		return StateKilled
	}
	return StateExited
}

func (h *execHandle) Terminate() error {
	if !h.Running() {
		return nil
	}
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()

	if err := killProcessGroup(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *execHandle) Wait() Exit {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Stderr() []string { return h.stderr.Lines() }
