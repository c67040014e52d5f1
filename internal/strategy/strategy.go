// Package strategy decides how a backup is produced from its policy and
// estimates what each phase should grow to.
package strategy

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/process"
	"github.com/lupppig/dbcycle/internal/progress"
)

type Kind string

const (
	// KindDirectory is a parallel directory-format dump archived afterwards.
	KindDirectory Kind = "directory"
	// KindCompressed is a single dump stream piped through a compressor.
	KindCompressed Kind = "compressed"
	// KindFlat is a single dump stream written as plain SQL.
	KindFlat Kind = "flat"
)

const (
	PhaseDump     = "dump"
	PhaseArchive  = "archive"
	PhaseEncrypt  = "encrypt"
	PhaseDownload = "download"
	PhaseDecrypt  = "decrypt"
	PhaseExtract  = "extract"
	PhaseRestore  = "restore"
)

// DefaultTimeout is the wall-clock ceiling of an operation with no explicit timeout.
const DefaultTimeout = time.Hour

// BackupPolicy is the per-operation backup configuration.
type BackupPolicy struct {
	Compression bool
	Algorithm   compress.Algorithm
	// Jobs > 1 only has an effect together with Compression.
	Jobs        int
	Destination string
	// Name overrides the generated artifact base name.
	Name string

	Schemas        []string
	ExcludeSchemas []string
	Tables         []string
	ExcludeTables  []string

	Encrypt    bool
	Passphrase string
	KeyFile    string

	Timeout time.Duration

	RetentionDays int
	Keep          int
	// Upload is a storage URI the finished artifact is copied to.
	Upload string
}

func (p BackupPolicy) Validate() error {
	if p.Destination == "" {
		return apperrors.New(apperrors.TypeConfig, "backup destination directory is required", "Set --dir or backup.dir.")
	}
	if p.Jobs < 0 || p.Jobs > 32 {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid parallel job count %d", p.Jobs), "Jobs must be between 1 and 32.")
	}
	if p.Encrypt && p.Passphrase == "" && p.KeyFile == "" {
		return apperrors.New(apperrors.TypeSecurity, "encryption requires a passphrase or key file", "Set --passphrase or --key-file.")
	}
	if p.Timeout < 0 {
		return apperrors.New(apperrors.TypeConfig, "timeout must not be negative", "")
	}
	if p.RetentionDays < 0 || p.Keep < 0 {
		return apperrors.New(apperrors.TypeConfig, "retention settings must not be negative", "")
	}
	return nil
}

// Select maps a policy onto a backup strategy. Compression is checked first,
// then parallelism, so Jobs never matters without compression.
func Select(p BackupPolicy) Kind {
	switch {
	case p.Compression && p.Jobs > 1:
		return KindDirectory
	case p.Compression:
		return KindCompressed
	default:
		return KindFlat
	}
}

// Phase is one supervised step of an operation.
type Phase struct {
	Name   string
	Signal progress.SignalKind
	// Target is the estimated magnitude the phase's signal grows to; zero
	// means it is computed when the phase starts.
	Target float64
	Span   progress.Span
}

// OperationSpec is the resolved description of one backup invocation. It is
// built once by the Selector and not modified afterwards.
type OperationSpec struct {
	Kind      Kind
	Engine    string
	Database  string
	Format    db.Format
	Algorithm compress.Algorithm
	// Command is the dump command. For stream strategies the caller attaches
	// the output writer.
	Command process.Command

	// WorkPath is what the dump process writes: the directory for KindDirectory,
	// otherwise the stream file.
	WorkPath string
	// OutputPath is the finished artifact before encryption.
	OutputPath string
	// ArtifactPath is the artifact as stored, including any .enc suffix.
	ArtifactPath string

	SourceSize int64
	Phases     []Phase
	Timeout    time.Duration
	Encrypt    bool
}

// Phase returns the named phase.
func (s OperationSpec) Phase(name string) (Phase, bool) {
	for _, ph := range s.Phases {
		if ph.Name == name {
			return ph, true
		}
	}
	return Phase{}, false
}

// Selector builds OperationSpecs using a set of heuristics.
type Selector struct {
	Heuristics Heuristics
}

func NewSelector(h Heuristics) *Selector {
	return &Selector{Heuristics: h.WithDefaults()}
}

// ArtifactBase is the default artifact name without extensions.
func ArtifactBase(database string, now time.Time) string {
	return fmt.Sprintf("%s_%s", database, now.Format("20060102_150405"))
}

// Backup resolves conn and p into an executable spec. sourceSize is the
// database size reported by the server, or zero if unknown.
func (s *Selector) Backup(engine db.Engine, conn db.ConnectionPolicy, p BackupPolicy, sourceSize int64, now time.Time) (OperationSpec, error) {
	if err := p.Validate(); err != nil {
		return OperationSpec{}, err
	}
	if err := db.ValidateName(conn.Database); err != nil {
		return OperationSpec{}, err
	}

	kind := Select(p)
	algo := p.Algorithm
	if p.Compression && (algo == "" || algo == compress.None) {
		algo = compress.Default
	}
	if !p.Compression {
		algo = compress.None
	}

	base := p.Name
	if base == "" {
		base = ArtifactBase(conn.Database, now)
	}
	h := s.Heuristics

	spec := OperationSpec{
		Kind:       kind,
		Engine:     engine.Name(),
		Database:   conn.Database,
		Algorithm:  algo,
		SourceSize: sourceSize,
		Timeout:    p.Timeout,
		Encrypt:    p.Encrypt,
	}
	if spec.Timeout == 0 {
		spec.Timeout = DefaultTimeout
	}

	opts := db.DumpOptions{
		Format:         db.FormatPlain,
		Jobs:           1,
		Schemas:        p.Schemas,
		ExcludeSchemas: p.ExcludeSchemas,
		Tables:         p.Tables,
		ExcludeTables:  p.ExcludeTables,
	}

	var phases []Phase
	switch kind {
	case KindDirectory:
		spec.Format = db.FormatDirectory
		spec.WorkPath = filepath.Join(p.Destination, base+"_dir")
		spec.OutputPath = filepath.Join(p.Destination, base+".tar"+algo.Extension())
		opts.Format = db.FormatDirectory
		opts.Jobs = p.Jobs
		opts.OutputDir = spec.WorkPath

		dumpTarget := Scale(sourceSize, h.DirectoryRatio)
		phases = []Phase{
			{Name: PhaseDump, Signal: progress.SignalFileSize, Target: dumpTarget},
			{Name: PhaseArchive, Signal: progress.SignalFileSize, Target: math.Round(dumpTarget * h.ArchiveRatio)},
		}
	case KindCompressed:
		spec.Format = db.FormatPlain
		spec.OutputPath = filepath.Join(p.Destination, base+".sql"+algo.Extension())
		spec.WorkPath = spec.OutputPath
		phases = []Phase{{Name: PhaseDump, Signal: progress.SignalFileSize, Target: Scale(sourceSize, h.CompressedRatio)}}
	default:
		spec.Format = db.FormatPlain
		spec.OutputPath = filepath.Join(p.Destination, base+".sql")
		spec.WorkPath = spec.OutputPath
		phases = []Phase{{Name: PhaseDump, Signal: progress.SignalFileSize, Target: Scale(sourceSize, h.FlatRatio)}}
	}

	spec.ArtifactPath = spec.OutputPath
	if p.Encrypt {
		spec.ArtifactPath += compress.EncryptedExt
		last := phases[len(phases)-1]
		phases = append(phases, Phase{Name: PhaseEncrypt, Signal: progress.SignalFileSize, Target: math.Round(last.Target * h.EncryptRatio)})
	}
	spec.Phases = assignSpans(phases)

	cmd, err := engine.DumpCommand(conn, opts)
	if err != nil {
		return OperationSpec{}, err
	}
	spec.Command = cmd
	return spec, nil
}

// spanWeights splits the overall range between phases; the dump dominates.
var spanWeights = map[int][]int{
	1: {100},
	2: {80, 20},
	3: {70, 20, 10},
}

func assignSpans(phases []Phase) []Phase {
	weights := spanWeights[len(phases)]
	from := 0
	for i := range phases {
		to := from + weights[i]
		phases[i].Span = progress.Span{From: from, To: to}
		from = to
	}
	return phases
}

// SplitSpans divides the overall range for a restore with the given phases.
// Preparatory phases each get a slice and the restore itself takes the rest.
func SplitSpans(names ...string) []Phase {
	phases := make([]Phase, len(names))
	prep := len(names) - 1
	slice := 0
	if prep > 0 {
		slice = 20 / prep
	}
	from := 0
	for i, n := range names {
		to := from + slice
		if i == len(names)-1 {
			to = 100
		}
		phases[i] = Phase{Name: n, Span: progress.Span{From: from, To: to}}
		from = to
	}
	return phases
}
