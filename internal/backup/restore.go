package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/conflict"
	"github.com/lupppig/dbcycle/internal/crypto"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/lupppig/dbcycle/internal/strategy"
)

// RestorePolicy is the per-operation restore configuration.
type RestorePolicy struct {
	// Target is the database to restore into; empty means the connection's
	// database.
	Target string
	// Jobs is the parallelism for directory and custom format restores.
	Jobs       int
	Passphrase string
	KeyFile    string
	Timeout    time.Duration
	// SkipChecksum restores even when the artifact does not match its manifest.
	SkipChecksum bool
}

func (p RestorePolicy) Validate() error {
	if p.Jobs < 0 || p.Jobs > 32 {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid parallel job count %d", p.Jobs), "Jobs must be between 1 and 32.")
	}
	if p.Timeout < 0 {
		return apperrors.New(apperrors.TypeConfig, "timeout must not be negative", "")
	}
	return nil
}

// RunRestore restores the artifact at ref, a local path or a storage URI,
// into the policy's target database. decider settles what happens when the
// target already exists; a nil decider aborts.
func (o *Orchestrator) RunRestore(ctx context.Context, conn db.ConnectionPolicy, policy RestorePolicy, ref string, decider conflict.Decider) *Operation {
	return o.start(ctx, "restore", func(ctx context.Context, op *Operation) Result {
		return o.runRestore(ctx, op, conn, policy, ref, decider)
	})
}

// restoreInput is the artifact as it moves through the preparatory phases.
type restoreInput struct {
	path      string
	kind      compress.ArtifactKind
	algo      compress.Algorithm
	encrypted bool
	manifest  *manifest.Manifest
}

func (o *Orchestrator) runRestore(ctx context.Context, op *Operation, conn db.ConnectionPolicy, policy RestorePolicy, ref string, decider conflict.Decider) (res Result) {
	target := policy.Target
	if target == "" {
		target = conn.Database
	}
	res = Result{Engine: conn.Engine, Database: target, Artifact: ref}
	log := o.log.With("operation", op.ID, "engine", conn.Engine, "db", target)

	engine, prober, err := o.connect(conn)
	if err != nil {
		res.Err = err
		return res
	}
	defer prober.Close()
	res.Engine = engine.Name()

	if err := policy.Validate(); err != nil {
		res.Err = err
		return res
	}
	if err := db.ValidateName(target); err != nil {
		res.Err = err
		return res
	}

	if _, err := o.ping(ctx, engine, conn, prober); err != nil {
		res.Err = err
		return res
	}

	remote := storage.IsRemote(ref)
	var src storage.Storage
	name := filepath.Base(ref)
	if remote {
		var location string
		location, name = storage.Split(ref)
		if src, err = o.storages(location); err != nil {
			res.Err = err
			return res
		}
		defer src.Close()
		ok, err := src.Exists(ctx, name)
		if err != nil {
			res.Err = err
			return res
		}
		if !ok {
			res.Err = apperrors.New(apperrors.TypeResource, "backup not found: "+storage.Scrub(ref), "Run 'dbcycle backups' to list available backups.")
			return res
		}
	} else if _, err := os.Stat(ref); err != nil {
		res.Err = apperrors.Wrap(err, apperrors.TypeResource, "backup not found: "+ref, "Run 'dbcycle backups' to list available backups.")
		return res
	}

	in := restoreInput{path: ref}
	in.kind, in.algo, in.encrypted = compress.DetectArtifact(name)
	if info, err := os.Stat(ref); err == nil && info.IsDir() {
		in.kind, in.algo = compress.KindDirectory, compress.None
	}

	if !remote {
		if err := o.checkManifest(log, policy, &in); err != nil {
			res.Err = err
			return res
		}
	}

	resolver := &conflict.Resolver{
		Checker: prober,
		Decider: decider,
		Locks:   o.locks,
		LockKey: lockKey(engine, conn),
		Logger:  log,
	}
	resolution, err := resolver.Resolve(ctx, target)
	if err != nil {
		res.Err = err
		return res
	}
	defer resolution.Release()

	// The timeout starts once the destination is settled; a conflict prompt
	// does not count against it.
	timeout := policy.Timeout
	if timeout == 0 {
		timeout = strategy.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if resolution.Name != target {
		target = resolution.Name
		res.Database = target
		log = o.log.With("operation", op.ID, "engine", engine.Name(), "db", target)
		log.Info("Restoring under a new name", "renames", resolution.Renames)
	}

	scratch, err := os.MkdirTemp(o.scratch, "dbcycle-restore-")
	if err != nil {
		res.Err = apperrors.Wrap(err, apperrors.TypeResource, "failed to create scratch directory", "")
		return res
	}
	defer removeIntermediate(log, scratch)

	clean := newCleanup(log)
	defer func() {
		if res.Err != nil {
			res.PartialPath = clean.run(ctx)
		}
	}()

	var names []string
	if remote {
		names = append(names, strategy.PhaseDownload)
	}
	if in.encrypted {
		names = append(names, strategy.PhaseDecrypt)
	}
	if in.kind == compress.KindArchive {
		names = append(names, strategy.PhaseExtract)
	}
	names = append(names, strategy.PhaseRestore)
	phases := make(map[string]strategy.Phase)
	for _, ph := range strategy.SplitSpans(names...) {
		phases[ph.Name] = ph
	}

	if remote {
		if err := o.download(ctx, op, phases[strategy.PhaseDownload], src, name, scratch, &in); err != nil {
			res.Err = err
			return res
		}
		if err := o.checkManifest(log, policy, &in); err != nil {
			res.Err = err
			return res
		}
	}

	if in.encrypted {
		if err := o.decrypt(ctx, op, phases[strategy.PhaseDecrypt], policy, scratch, &in); err != nil {
			res.Err = err
			return res
		}
	}
	if in.kind == compress.KindArchive {
		if err := o.extract(ctx, op, phases[strategy.PhaseExtract], scratch, &in); err != nil {
			res.Err = err
			return res
		}
	}

	units := o.restoreUnits(ctx, log, in)

	if resolution.Existed {
		log.Warn("Dropping existing database before restore")
		if err := prober.Drop(ctx, target); err != nil {
			res.Err = err
			return res
		}
	}
	if err := prober.Create(ctx, target); err != nil {
		res.Err = err
		return res
	}
	clean.trackFunc(func(ctx context.Context) error {
		log.Info("Dropping partially restored database")
		return prober.Drop(ctx, target)
	})

	last, err := o.restore(ctx, op, phases[strategy.PhaseRestore], engine, conn.WithDatabase(target), prober, policy, in, units)
	if err != nil {
		res.Err = err
		return res
	}

	res.Units = units
	res.Verification = o.verify(ctx, log, prober, target, &res)
	if res.Verification != nil && res.Verification.Tables > 0 {
		res.Units = res.Verification.Tables
	}
	o.complete(op, last)
	log.Info("Restore completed", "tables", res.Units)
	return res
}

// checkManifest loads the artifact's manifest, if any, and rejects an
// artifact whose checksum no longer matches it.
func (o *Orchestrator) checkManifest(log *logger.Logger, policy RestorePolicy, in *restoreInput) error {
	m, err := manifest.Read(in.path)
	if err != nil {
		return err
	}
	in.manifest = m
	if m == nil || policy.SkipChecksum {
		return nil
	}
	if err := m.Verify(in.path); err != nil {
		return err
	}
	log.Debug("Checksum verified", "checksum", m.Checksum)
	return nil
}

// download copies a remote artifact, and its manifest when there is one,
// into scratch.
func (o *Orchestrator) download(ctx context.Context, op *Operation, phase strategy.Phase, src storage.Storage, name, scratch string, in *restoreInput) error {
	local := filepath.Join(scratch, name)
	if objects, err := src.List(ctx, name); err == nil {
		for _, obj := range objects {
			if obj.Name == name {
				phase.Target = float64(obj.Size)
			}
		}
	}

	_, err := o.task(ctx, op, phaseRun{
		phase:  phase,
		source: progress.PathSize(local),
		unit:   progress.UnitBytes,
		budget: o.heuristics.DumpBudget,
	}, func(ctx context.Context) error {
		return fetch(ctx, src, name, local)
	})
	if err != nil {
		return err
	}

	if err := fetch(ctx, src, name+manifest.Ext, manifest.PathFor(local)); err != nil {
		o.log.Debug("No manifest next to remote backup", "name", name, "error", err)
	}
	in.path = local
	return nil
}

func fetch(ctx context.Context, src storage.Storage, name, dst string) (err error) {
	r, err := src.Open(ctx, name)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+dst, "")
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()
	if _, err := compress.Copy(ctx, f, r); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "download of "+name+" failed", "")
	}
	return nil
}

func (o *Orchestrator) decrypt(ctx context.Context, op *Operation, phase strategy.Phase, policy RestorePolicy, scratch string, in *restoreInput) error {
	km, err := crypto.NewKeyManager(policy.Passphrase, policy.KeyFile)
	if err != nil {
		return err
	}
	out := filepath.Join(scratch, strings.TrimSuffix(filepath.Base(in.path), compress.EncryptedExt))
	phase.Target = fileTarget(in.path, 1)

	if _, err := o.task(ctx, op, phaseRun{
		phase:  phase,
		source: progress.PathSize(out),
		unit:   progress.UnitBytes,
		budget: o.heuristics.DumpBudget,
	}, func(ctx context.Context) error {
		return crypto.OpenFile(ctx, in.path, out, km)
	}); err != nil {
		return err
	}
	in.path = out
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, op *Operation, phase strategy.Phase, scratch string, in *restoreInput) error {
	dest := filepath.Join(scratch, "extract")
	if archived := fileTarget(in.path, 1); archived > 0 && o.heuristics.ArchiveRatio > 0 {
		phase.Target = archived / o.heuristics.ArchiveRatio
	}

	var root string
	if _, err := o.task(ctx, op, phaseRun{
		phase:  phase,
		source: progress.PathSize(dest),
		unit:   progress.UnitBytes,
		budget: o.heuristics.DumpBudget,
	}, func(ctx context.Context) error {
		r, err := compress.ExtractArchive(ctx, in.path, dest, in.algo)
		root = r
		return err
	}); err != nil {
		return err
	}
	in.path = root
	in.kind = compress.KindDirectory
	in.algo = compress.None
	return nil
}

// restoreUnits estimates how many tables the restore will create.
func (o *Orchestrator) restoreUnits(ctx context.Context, log *logger.Logger, in restoreInput) int {
	if in.manifest != nil && in.manifest.Units > 0 {
		return in.manifest.Units
	}
	n, err := countUnits(ctx, in.path, in.kind, in.algo)
	if err != nil {
		log.Debug("Could not count tables in backup", "error", err)
	}
	if n > 0 {
		return n
	}
	return o.heuristics.DefaultUnitTarget
}

func (o *Orchestrator) restore(ctx context.Context, op *Operation, phase strategy.Phase, engine db.Engine, conn db.ConnectionPolicy, prober db.Prober, policy RestorePolicy, in restoreInput, units int) (progress.Estimate, error) {
	jobs := policy.Jobs
	if jobs == 0 {
		jobs = 1
	}
	opts := db.RestoreOptions{Format: db.FormatPlain, Jobs: jobs}

	var input io.ReadCloser
	switch in.kind {
	case compress.KindDirectory:
		opts.Format = db.FormatDirectory
		opts.Input = in.path
	case compress.KindCustom:
		opts.Format = db.FormatCustom
		opts.Input = in.path
	default:
		f, err := os.Open(in.path)
		if err != nil {
			return progress.Estimate{}, apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+in.path, "")
		}
		zr, err := compress.NewReader(f, in.algo)
		if err != nil {
			f.Close()
			return progress.Estimate{}, err
		}
		input = readCloser{Reader: zr, close: func() error {
			zr.Close()
			return f.Close()
		}}
		opts.Stdin = input
	}
	if input != nil {
		defer input.Close()
	}

	cmd, err := engine.RestoreCommand(conn, opts)
	if err != nil {
		return progress.Estimate{}, err
	}
	h, err := o.spawner.Spawn(ctx, cmd)
	if err != nil {
		return progress.Estimate{}, err
	}

	phase.Target = float64(units)
	return o.supervise(ctx, op, h, phaseRun{
		phase: phase,
		source: progress.CountSource(func(ctx context.Context) (int, error) {
			return prober.TableCount(ctx, conn.Database)
		}),
		unit:    progress.UnitCount,
		label:   "tables",
		budget:  o.heuristics.RestoreBudget,
		command: cmd.Name,
	})
}

// verify re-reads the restored database. Failures only produce warnings.
func (o *Orchestrator) verify(ctx context.Context, log *logger.Logger, prober db.Prober, name string, res *Result) *Verification {
	tables, err := prober.TableCount(ctx, name)
	if err != nil {
		log.Warn("Could not verify restored tables", "error", err)
		res.Warnings = append(res.Warnings, "table count unavailable: "+err.Error())
		return nil
	}
	v := &Verification{Tables: tables}
	if size, err := prober.DatabaseSize(ctx, name); err == nil {
		v.Size = size
	} else {
		res.Warnings = append(res.Warnings, "database size unavailable: "+err.Error())
	}
	if tables == 0 {
		res.Warnings = append(res.Warnings, "restored database has no tables")
	}
	return v
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }
