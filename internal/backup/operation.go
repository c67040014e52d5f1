package backup

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/lupppig/dbcycle/internal/strategy"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Verification is what the server reported after a restore finished.
type Verification struct {
	Tables int
	Size   int64
}

// Result is the terminal value of an operation. Every operation produces
// exactly one.
type Result struct {
	ID        string
	Operation string // "backup" or "restore"
	Success   bool
	Status    Status
	Engine    string
	Database  string
	Strategy  strategy.Kind

	// Artifact is the local artifact path for a backup, or the artifact
	// reference a restore read from.
	Artifact string
	// Location is where an uploaded copy was stored.
	Location string
	Size     int64
	Units    int

	StartedAt time.Time
	Duration  time.Duration

	Err error
	// PartialPath is set when partial output could not be removed.
	PartialPath  string
	Verification *Verification
	Warnings     []string
}

// ErrorType classifies a failed result; successful results return "".
func (r Result) ErrorType() apperrors.ErrorType {
	if r.Err == nil {
		return ""
	}
	return apperrors.TypeOf(r.Err)
}

// Message is a one-line, human readable reason for the result.
func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return string(r.Status)
}

// Operation is a running backup or restore. Progress estimates arrive on
// Progress until the operation ends; the channel is closed before Wait
// returns.
type Operation struct {
	ID   string
	Kind string

	progress chan progress.Estimate
	done     chan struct{}
	cancel   context.CancelFunc

	mu      sync.Mutex
	percent int
	result  Result
}

func newOperation(id, kind string, cancel context.CancelFunc) *Operation {
	return &Operation{
		ID:       id,
		Kind:     kind,
		progress: make(chan progress.Estimate, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

// Progress is a latest-wins stream: a consumer that falls behind sees the
// newest estimate, never a backlog.
func (op *Operation) Progress() <-chan progress.Estimate {
	return op.progress
}

// Wait blocks until the operation has finished and returns its result.
func (op *Operation) Wait() Result {
	<-op.done
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Cancel asks the operation to stop. Running processes are terminated and
// partial output is removed; Wait still returns a result.
func (op *Operation) Cancel() {
	op.cancel()
}

// publish is only called from the operation's own goroutine.
func (op *Operation) publish(e progress.Estimate) {
	op.mu.Lock()
	if e.Percent < op.percent {
		e.Percent = op.percent
	}
	op.percent = e.Percent
	op.mu.Unlock()

	select {
	case op.progress <- e:
		return
	default:
	}
	select {
	case <-op.progress:
	default:
	}
	select {
	case op.progress <- e:
	default:
	}
}

func (op *Operation) finish(r Result) {
	close(op.progress)
	op.mu.Lock()
	op.result = r
	op.mu.Unlock()
	op.cancel()
	close(op.done)
}

// statusOf maps the error that ended an operation onto a Status.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case apperrors.IsType(err, apperrors.TypeCancelled),
		apperrors.IsType(err, apperrors.TypeConflict),
		errors.Is(err, context.Canceled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}
