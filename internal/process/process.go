// Package process supervises the child processes and in-process tasks that
// produce and consume backup artifacts.
package process

import (
	"context"
	"io"
	"strings"
	"time"
)

type State int

const (
	StateRunning State = iota
	StateExited
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Command describes one external invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env []string
	Dir string

	Stdin io.Reader
	// Stdout receives the child's standard output; nil discards it.
	Stdout io.Writer
	// StderrLines bounds how many trailing stderr lines are kept (default 20).
	StderrLines int
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Exit is the terminal status of a handle.
type Exit struct {
	Code   int
	Killed bool
	Err    error
}

func (e Exit) Success() bool {
	return e.Code == 0 && !e.Killed && e.Err == nil
}

// Handle is exclusively owned by whoever spawned it, from spawn until Wait returns.
type Handle interface {
	Pid() int
	Name() string
	StartedAt() time.Time
	Running() bool
	State() State
	// Terminate force-stops the process. It is safe to call more than once.
	Terminate() error
	// Wait blocks until the process has terminated.
	Wait() Exit
	Done() <-chan struct{}
	Stderr() []string
}

type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Handle, error)
}

// Supervise terminates h when ctx is done and returns its exit status once it
// has terminated.
func Supervise(ctx context.Context, h Handle) Exit {
	select {
	case <-ctx.Done():
		_ = h.Terminate()
	case <-h.Done():
	}
	return h.Wait()
}
