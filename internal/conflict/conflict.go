// Package conflict decides what a restore does when its destination database
// already exists.
package conflict

import (
	"context"
	"fmt"
	"sync"

	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
)

type State int

const (
	StateChecking State = iota
	StateAwaitingDecision
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateAwaitingDecision:
		return "awaiting-decision"
	case StateResolved:
		return "resolved"
	}
	return "unknown"
}

type Action int

const (
	ActionNone Action = iota
	ActionOverwrite
	ActionRename
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionOverwrite:
		return "overwrite"
	case ActionRename:
		return "rename"
	case ActionAbort:
		return "abort"
	}
	return "none"
}

type Decision struct {
	Action Action
	// Name is the new destination for ActionRename.
	Name string
}

func Overwrite() Decision { return Decision{Action: ActionOverwrite} }

func Rename(name string) Decision { return Decision{Action: ActionRename, Name: name} }

func Abort() Decision { return Decision{Action: ActionAbort} }

// Decider is asked once per conflicting name. Implementations may prompt a
// user, read a flag, or answer from a fixed policy.
type Decider interface {
	Decide(ctx context.Context, existing string) (Decision, error)
}

type DeciderFunc func(ctx context.Context, existing string) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, existing string) (Decision, error) {
	return f(ctx, existing)
}

// Always answers every conflict with d.
func Always(d Decision) Decider {
	return DeciderFunc(func(context.Context, string) (Decision, error) { return d, nil })
}

type Checker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Resolution is the outcome of Resolve. While it is held the destination is
// locked against other operations; Release must be called when the operation
// finishes.
type Resolution struct {
	Name string
	// Existed means Name is present and must be dropped before it is recreated.
	Existed  bool
	Decision Decision
	Renames  int

	release func()
}

func (r Resolution) Release() {
	if r.release != nil {
		r.release()
	}
}

// DefaultMaxRenames bounds how many times a Decider may answer Rename.
const DefaultMaxRenames = 5

// Resolver runs the Checking -> AwaitingDecision -> Resolved state machine.
// A Rename sends it back to Checking for the new name.
type Resolver struct {
	Checker Checker
	Decider Decider
	Locks   *Locks
	// LockKey scopes lock keys, e.g. to one server; nil uses the name itself.
	LockKey    func(name string) string
	MaxRenames int
	Logger     *logger.Logger

	mu    sync.Mutex
	state State
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resolver) transition(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if from != to {
		r.log().Debug("Conflict resolver transition", "from", from.String(), "to", to.String())
	}
}

func (r *Resolver) log() *logger.Logger {
	if r.Logger == nil {
		return logger.Nop()
	}
	return r.Logger
}

func (r *Resolver) lock(ctx context.Context, name string) (func(), error) {
	if r.Locks == nil {
		return func() {}, nil
	}
	key := name
	if r.LockKey != nil {
		key = r.LockKey(name)
	}
	return r.Locks.Lock(ctx, key)
}

// Resolve settles the destination for name. The lock on the returned name is
// held from the existence check on, so no other operation can create it in
// between. An Abort returns ErrConflictAborted.
func (r *Resolver) Resolve(ctx context.Context, name string) (Resolution, error) {
	maxRenames := r.MaxRenames
	if maxRenames <= 0 {
		maxRenames = DefaultMaxRenames
	}

	res := Resolution{Name: name}
	var release func()
	defer func() {
		if release != nil && res.release == nil {
			release()
		}
	}()

	for {
		r.transition(StateChecking)
		if err := db.ValidateName(res.Name); err != nil {
			return res, err
		}

		if release != nil {
			release()
			release = nil
		}
		unlock, err := r.lock(ctx, res.Name)
		if err != nil {
			return res, apperrors.Wrap(err, apperrors.TypeCancelled, "gave up waiting for "+res.Name+" to be free", "")
		}
		release = unlock

		exists, err := r.Checker.Exists(ctx, res.Name)
		if err != nil {
			return res, err
		}
		if !exists {
			r.transition(StateResolved)
			res.Existed = false
			res.release = release
			return res, nil
		}

		r.transition(StateAwaitingDecision)
		d := Abort()
		if r.Decider != nil {
			if d, err = r.Decider.Decide(ctx, res.Name); err != nil {
				return res, err
			}
		}
		res.Decision = d
		r.log().Info("Destination already exists", "database", res.Name, "decision", d.Action.String())

		switch d.Action {
		case ActionOverwrite:
			r.transition(StateResolved)
			res.Existed = true
			res.release = release
			return res, nil
		case ActionRename:
			if d.Name == res.Name {
				return res, apperrors.New(apperrors.TypeConfig, "new name must differ from "+res.Name, "")
			}
			res.Renames++
			if res.Renames > maxRenames {
				return res, apperrors.New(apperrors.TypeConflict,
					fmt.Sprintf("gave up after %d renames", maxRenames), "Pick a database name that does not exist yet.")
			}
			res.Name = d.Name
		default:
			r.transition(StateResolved)
			return res, apperrors.ErrConflictAborted
		}
	}
}
