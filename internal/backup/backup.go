package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/crypto"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/manifest"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/lupppig/dbcycle/internal/storage"
	"github.com/lupppig/dbcycle/internal/strategy"
)

// RunBackup dumps conn's database according to policy. The returned
// Operation streams progress and ends with a Result.
func (o *Orchestrator) RunBackup(ctx context.Context, conn db.ConnectionPolicy, policy strategy.BackupPolicy) *Operation {
	return o.start(ctx, "backup", func(ctx context.Context, op *Operation) Result {
		return o.runBackup(ctx, op, conn, policy)
	})
}

func (o *Orchestrator) runBackup(ctx context.Context, op *Operation, conn db.ConnectionPolicy, policy strategy.BackupPolicy) (res Result) {
	res = Result{Engine: conn.Engine, Database: conn.Database}
	log := o.log.With("operation", op.ID, "engine", conn.Engine, "db", conn.Database)

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
	if err := db.ValidateName(conn.Database); err != nil {
		res.Err = err
		return res
	}

	timeout := policy.Timeout
	if timeout == 0 {
		timeout = strategy.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	version, err := o.ping(ctx, engine, conn, prober)
	if err != nil {
		res.Err = err
		return res
	}
	log.Debug("Connected", "version", version)

	size, err := prober.DatabaseSize(ctx, conn.Database)
	if err != nil {
		log.Warn("Could not determine database size, progress will be time based", "error", err)
		size = 0
	}

	spec, err := o.selector.Backup(engine, conn, policy, size, o.now())
	if err != nil {
		res.Err = err
		return res
	}
	res.Strategy = spec.Kind
	log.Info("Starting backup", "strategy", spec.Kind, "source_size", size, "artifact", spec.ArtifactPath)

	unlock, err := o.locks.Lock(ctx, "file://"+spec.ArtifactPath)
	if err != nil {
		res.Err = apperrors.Wrap(err, apperrors.TypeCancelled, "gave up waiting for "+spec.ArtifactPath, "")
		return res
	}
	defer unlock()

	if err := os.MkdirAll(policy.Destination, 0o755); err != nil {
		res.Err = apperrors.Wrap(err, apperrors.TypeResource, "failed to create backup directory", "Check write permissions for "+policy.Destination+".")
		return res
	}
	for _, p := range []string{spec.WorkPath, spec.OutputPath, spec.ArtifactPath} {
		if _, err := os.Lstat(p); err == nil {
			res.Err = apperrors.New(apperrors.TypeConflict, p+" already exists", "Pick another --name or move the existing backup.")
			return res
		}
	}

	clean := newCleanup(log)
	defer func() {
		if res.Err != nil {
			res.PartialPath = clean.run(ctx)
		}
	}()

	var km *crypto.KeyManager
	if spec.Encrypt {
		if km, err = crypto.NewKeyManager(policy.Passphrase, policy.KeyFile); err != nil {
			res.Err = err
			return res
		}
	}

	units, last, err := o.dump(ctx, op, spec, clean)
	if err != nil {
		res.Err = err
		return res
	}

	if spec.Kind == strategy.KindDirectory {
		if last, err = o.archive(ctx, op, spec, clean); err != nil {
			res.Err = err
			return res
		}
	}

	if spec.Encrypt {
		phase, _ := spec.Phase(strategy.PhaseEncrypt)
		if target := fileTarget(spec.OutputPath, o.heuristics.EncryptRatio); target > 0 {
			phase.Target = target
		}
		clean.trackPath(spec.ArtifactPath)
		last, err = o.task(ctx, op, phaseRun{
			phase:  phase,
			source: progress.PathSize(spec.ArtifactPath),
			unit:   progress.UnitBytes,
			budget: o.heuristics.DumpBudget,
		}, func(ctx context.Context) error {
			return crypto.SealFile(ctx, spec.OutputPath, spec.ArtifactPath, km)
		})
		if err != nil {
			res.Err = err
			return res
		}
		removeIntermediate(log, spec.OutputPath)
		clean.forget(spec.OutputPath)
	}

	m, err := o.writeManifest(op, spec, size, units)
	if err != nil {
		res.Err = err
		return res
	}

	res.Artifact = spec.ArtifactPath
	res.Size = m.Size
	res.Units = units
	o.complete(op, last)
	log.Info("Backup completed", "artifact", spec.ArtifactPath, "size", m.Size, "tables", units)

	if policy.Upload != "" {
		location, err := o.upload(ctx, policy.Upload, spec.ArtifactPath)
		if err != nil {
			log.Warn("Upload failed, keeping local artifact", "error", err)
			res.Warnings = append(res.Warnings, "upload failed: "+err.Error())
		} else {
			res.Location = location
		}
	}

	if policy.RetentionDays > 0 || policy.Keep > 0 {
		pm := NewPruneManager(storage.NewLocalStorage(policy.Destination), PruneOptions{
			Retention: RetentionDays(policy.RetentionDays),
			Keep:      policy.Keep,
			DBType:    engine.Name(),
			DBName:    conn.Database,
			Logger:    log,
		})
		if _, err := pm.Prune(ctx); err != nil {
			log.Warn("Retention cleanup failed", "error", err)
			res.Warnings = append(res.Warnings, "retention cleanup failed: "+err.Error())
		}
	}
	return res
}

// dump runs the dump process and returns the number of tables it wrote.
func (o *Orchestrator) dump(ctx context.Context, op *Operation, spec strategy.OperationSpec, clean *cleanup) (int, progress.Estimate, error) {
	phase, _ := spec.Phase(strategy.PhaseDump)
	cmd := spec.Command
	clean.trackPath(spec.WorkPath)

	var (
		out     *os.File
		zw      io.WriteCloser
		counter = newUnitCounter(createTable)
	)
	if spec.Kind != strategy.KindDirectory {
		f, err := os.OpenFile(spec.WorkPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return 0, progress.Estimate{}, apperrors.Wrap(err, apperrors.TypeResource, "failed to create "+spec.WorkPath, "")
		}
		out = f
		if zw, err = compress.NewWriter(out, spec.Algorithm); err != nil {
			out.Close()
			return 0, progress.Estimate{}, err
		}
		cmd.Stdout = io.MultiWriter(zw, counter)
	}
	closeOutput := func() error {
		if out == nil {
			return nil
		}
		zerr := zw.Close()
		ferr := out.Close()
		if zerr != nil {
			return apperrors.Wrap(zerr, apperrors.TypeResource, "failed to finish "+spec.WorkPath, "")
		}
		if ferr != nil {
			return apperrors.Wrap(ferr, apperrors.TypeResource, "failed to finish "+spec.WorkPath, "")
		}
		return nil
	}

	h, err := o.spawner.Spawn(ctx, cmd)
	if err != nil {
		_ = closeOutput()
		return 0, progress.Estimate{}, err
	}
	last, err := o.supervise(ctx, op, h, phaseRun{
		phase:   phase,
		source:  progress.PathSize(spec.WorkPath),
		unit:    progress.UnitBytes,
		budget:  o.heuristics.DumpBudget,
		command: cmd.Name,
	})
	if cerr := closeOutput(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, last, err
	}

	if spec.Kind == strategy.KindDirectory {
		units, err := countUnits(ctx, spec.WorkPath, compress.KindDirectory, compress.None)
		if err != nil {
			o.log.Debug("Could not count tables in dump", "error", err)
		}
		return units, last, nil
	}
	return counter.Count(), last, nil
}

// archive packs a directory dump into a single compressed tar and removes
// the directory.
func (o *Orchestrator) archive(ctx context.Context, op *Operation, spec strategy.OperationSpec, clean *cleanup) (progress.Estimate, error) {
	phase, _ := spec.Phase(strategy.PhaseArchive)
	// Re-aim at what the dump actually produced.
	if dumped, err := progress.DirSize(spec.WorkPath); err == nil && dumped > 0 {
		phase.Target = strategy.Scale(dumped, o.heuristics.ArchiveRatio)
	}

	clean.trackPath(spec.OutputPath)
	last, err := o.task(ctx, op, phaseRun{
		phase:  phase,
		source: progress.PathSize(spec.OutputPath),
		unit:   progress.UnitBytes,
		budget: o.heuristics.DumpBudget,
	}, func(ctx context.Context) error {
		return compress.ArchiveDir(ctx, spec.WorkPath, spec.OutputPath, spec.Algorithm)
	})
	if err != nil {
		return last, err
	}
	removeIntermediate(o.log, spec.WorkPath)
	clean.forget(spec.WorkPath)
	return last, nil
}

func (o *Orchestrator) writeManifest(op *Operation, spec strategy.OperationSpec, sourceSize int64, units int) (*manifest.Manifest, error) {
	info, err := os.Stat(spec.ArtifactPath)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "backup artifact is missing", "")
	}
	sum, err := manifest.ChecksumFile(spec.ArtifactPath)
	if err != nil {
		return nil, err
	}

	encryption := ""
	if spec.Encrypt {
		encryption = "aes-256-gcm"
	}
	m := manifest.New(op.ID, spec.Engine, string(spec.Algorithm), encryption)
	m.DBName = spec.Database
	m.FileName = filepath.Base(spec.ArtifactPath)
	m.Strategy = string(spec.Kind)
	m.Checksum = sum
	m.Size = info.Size()
	m.SourceSize = sourceSize
	m.Units = units
	m.CreatedAt = o.now()
	m.Version = o.version
	if err := manifest.Write(spec.ArtifactPath, m); err != nil {
		return nil, err
	}
	return m, nil
}

// upload copies the artifact and its manifest to uri.
func (o *Orchestrator) upload(ctx context.Context, uri, artifact string) (string, error) {
	s, err := o.storages(uri)
	if err != nil {
		return "", err
	}
	defer s.Close()

	location, err := saveFile(ctx, s, artifact)
	if err != nil {
		return "", err
	}
	if _, err := saveFile(ctx, s, manifest.PathFor(artifact)); err != nil {
		return "", err
	}
	o.log.Info("Uploaded backup", "location", storage.Scrub(location))
	return location, nil
}

func saveFile(ctx context.Context, s storage.Storage, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to open "+path, "")
	}
	defer f.Close()
	return s.Save(ctx, filepath.Base(path), f)
}

func fileTarget(path string, ratio float64) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return strategy.Scale(info.Size(), ratio)
}

func removeIntermediate(log *logger.Logger, path string) {
	if err := os.RemoveAll(path); err != nil {
		log.Warn("Failed to remove intermediate output", "path", path, "error",
			apperrors.Wrap(err, apperrors.TypeCleanup, "cleanup failed", ""))
	}
}
