// Package backup runs backups and restores end to end: it sizes the source,
// picks a strategy, supervises every external process with a progress
// monitor, resolves destination conflicts and cleans up after failures.
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lupppig/dbcycle/internal/conflict"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/process"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/lupppig/dbcycle/internal/strategy"
)

// ProberFactory opens a prober for one connection.
type ProberFactory func(engine db.Engine, conn db.ConnectionPolicy) db.Prober

// StorageFactory opens the storage behind a URI.
type StorageFactory func(uri string) (storage.Storage, error)

type Options struct {
	Spawner    process.Spawner
	Probers    ProberFactory
	Storages   StorageFactory
	Heuristics strategy.Heuristics
	// Interval is the progress sampling period.
	Interval time.Duration
	// Locks serialises operations on the same destination. Share one
	// instance between orchestrators that target the same servers.
	Locks   *conflict.Locks
	Logger  *logger.Logger
	Version string
	// StorageOptions is used by the default StorageFactory.
	StorageOptions storage.StorageOptions
	// ScratchDir holds downloads and extracted archives during a restore;
	// empty means the system temp dir.
	ScratchDir string
}

type Orchestrator struct {
	spawner    process.Spawner
	probers    ProberFactory
	storages   StorageFactory
	heuristics strategy.Heuristics
	selector   *strategy.Selector
	interval   time.Duration
	locks      *conflict.Locks
	log        *logger.Logger
	version    string
	scratch    string

	now func() time.Time
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		spawner:    opts.Spawner,
		probers:    opts.Probers,
		storages:   opts.Storages,
		heuristics: opts.Heuristics.WithDefaults(),
		interval:   opts.Interval,
		locks:      opts.Locks,
		log:        opts.Logger,
		version:    opts.Version,
		scratch:    opts.ScratchDir,
		now:        time.Now,
	}
	if o.spawner == nil {
		o.spawner = process.ExecSpawner{}
	}
	if o.probers == nil {
		o.probers = func(engine db.Engine, conn db.ConnectionPolicy) db.Prober {
			return db.NewProber(engine, conn)
		}
	}
	if o.storages == nil {
		storageOpts := opts.StorageOptions
		o.storages = func(uri string) (storage.Storage, error) {
			return storage.FromURI(uri, storageOpts)
		}
	}
	if o.interval <= 0 {
		o.interval = progress.DefaultInterval
	}
	if o.locks == nil {
		o.locks = conflict.NewLocks()
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	if o.version == "" {
		o.version = "dev"
	}
	o.selector = strategy.NewSelector(o.heuristics)
	return o
}

func (o *Orchestrator) Heuristics() strategy.Heuristics {
	return o.heuristics
}

// TestConnection checks that the server behind conn answers and returns its
// version string.
func (o *Orchestrator) TestConnection(ctx context.Context, conn db.ConnectionPolicy) (string, error) {
	engine, prober, err := o.connect(conn)
	if err != nil {
		return "", err
	}
	defer prober.Close()
	return o.ping(ctx, engine, conn, prober)
}

func (o *Orchestrator) connect(conn db.ConnectionPolicy) (db.Engine, db.Prober, error) {
	engine, err := db.Lookup(conn.Engine)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Validate(); err != nil {
		return nil, nil, err
	}
	return engine, o.probers(engine, conn), nil
}

func (o *Orchestrator) ping(ctx context.Context, engine db.Engine, conn db.ConnectionPolicy, prober db.Prober) (string, error) {
	version, err := prober.Version(ctx)
	if err != nil {
		if apperrors.TypeOf(err) != apperrors.TypeInternal {
			return "", err
		}
		return "", apperrors.Wrap(err, apperrors.TypeConnection,
			fmt.Sprintf("cannot reach %s at %s", engine.Name(), conn.Host), "Check host, port and credentials.")
	}
	return version, nil
}

// start runs fn on its own goroutine behind a new Operation.
func (o *Orchestrator) start(ctx context.Context, kind string, fn func(ctx context.Context, op *Operation) Result) *Operation {
	ctx, cancel := context.WithCancel(ctx)
	op := newOperation(uuid.NewString(), kind, cancel)
	go func() {
		started := o.now()
		r := fn(ctx, op)
		r.ID = op.ID
		r.Operation = kind
		r.StartedAt = started
		r.Duration = o.now().Sub(started)
		r.Success = r.Err == nil
		r.Status = statusOf(r.Err)
		op.finish(r)
	}()
	return op
}

// phaseRun describes how one supervised step reports progress.
type phaseRun struct {
	phase  strategy.Phase
	source progress.Source
	unit   progress.Unit
	label  string
	// budget is the time-ratio budget used when the magnitude target is
	// unknown or the source fails.
	budget time.Duration
	// command is reported in process failures.
	command string
}

// supervise monitors h until it exits and turns the exit into an error. It
// returns the last estimate published for the phase.
func (o *Orchestrator) supervise(ctx context.Context, op *Operation, h process.Handle, run phaseRun) (progress.Estimate, error) {
	timeMode := progress.Params{
		Mode:    progress.ModeTime,
		Unit:    progress.UnitSeconds,
		Budget:  run.budget,
		Plateau: o.heuristics.Plateau,
	}
	m := &progress.Monitor{
		Phase:    run.phase.Name,
		Interval: o.interval,
		Span:     run.phase.Span,
		Logger:   o.log,
	}
	if run.phase.Target > 0 && run.source != nil {
		m.Source = run.source
		m.Params = progress.Params{
			Mode:    progress.ModeMagnitude,
			Unit:    run.unit,
			Label:   run.label,
			Target:  run.phase.Target,
			Plateau: o.heuristics.Plateau,
		}
		m.Fallback = &progress.Fallback{Source: progress.Elapsed(h.StartedAt()), Params: timeMode}
	} else {
		m.Source = progress.Elapsed(h.StartedAt())
		m.Params = timeMode
	}

	o.log.Debug("Phase started", "operation", op.ID, "phase", run.phase.Name, "target", run.phase.Target)
	last := m.Run(ctx, h, op.publish)
	exit := h.Wait()
	err := classify(ctx, run.phase.Name, run.command, h, exit)
	if err != nil {
		o.log.Debug("Phase failed", "operation", op.ID, "phase", run.phase.Name, "error", err)
		return last, err
	}
	o.log.Debug("Phase finished", "operation", op.ID, "phase", run.phase.Name)
	return last, nil
}

// task runs fn as a supervised in-process phase.
func (o *Orchestrator) task(ctx context.Context, op *Operation, run phaseRun, fn func(ctx context.Context) error) (progress.Estimate, error) {
	h := process.Go(ctx, run.phase.Name, fn)
	return o.supervise(ctx, op, h, run)
}

// classify turns a terminal exit into the error the caller sees.
func classify(ctx context.Context, phase, command string, h process.Handle, exit process.Exit) error {
	if exit.Success() {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.Wrap(ctx.Err(), apperrors.TypeTimeout,
			phase+" did not finish before the operation timeout",
			"Raise --timeout, or use --jobs with --compress for large databases.")
	case ctx.Err() != nil:
		return apperrors.Wrap(ctx.Err(), apperrors.TypeCancelled, phase+" cancelled", "")
	}

	var appErr *apperrors.AppError
	if errors.As(exit.Err, &appErr) {
		return exit.Err
	}
	if exit.Err != nil && exit.Code != -1 {
		return apperrors.Wrap(exit.Err, apperrors.TypeInternal, phase+" failed", "")
	}
	if command == "" {
		command = h.Name()
	}
	return apperrors.Wrap(&apperrors.ProcessError{
		Command: command,
		Code:    exit.Code,
		Stderr:  h.Stderr(),
	}, apperrors.TypeProcess, phase+" failed", "See the error output above.")
}

// complete publishes the 100% estimate once an operation has fully succeeded.
func (o *Orchestrator) complete(op *Operation, last progress.Estimate) {
	op.publish(progress.Complete(last, o.now()))
}

// detached returns a context for cleanup work that must run even after ctx
// was cancelled or timed out.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

const cleanupTimeout = 30 * time.Second

func lockKey(engine db.Engine, conn db.ConnectionPolicy) func(string) string {
	port := conn.Port
	if port == 0 {
		port = engine.DefaultPort()
	}
	return func(name string) string {
		return fmt.Sprintf("%s://%s:%d/%s", engine.Name(), conn.Host, port, name)
	}
}
