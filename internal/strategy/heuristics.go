package strategy

import (
	"math"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// Heuristics are the empirical ratios used to guess how large an artifact
// will grow and how long an untracked phase will take. They are estimates,
// not guarantees, and every field can be overridden from configuration.
type Heuristics struct {
	// CompressedRatio is the expected compressed stream size relative to the source.
	CompressedRatio float64
	// FlatRatio is the expected plain SQL size relative to the source.
	FlatRatio float64
	// DirectoryRatio is the expected directory dump size relative to the source.
	DirectoryRatio float64
	// ArchiveRatio is the expected archive size relative to the directory dump.
	ArchiveRatio float64
	// EncryptRatio is the expected encrypted size relative to its input.
	EncryptRatio float64

	// DefaultUnitTarget is the table count assumed when a restore's real
	// count cannot be determined.
	DefaultUnitTarget int
	// RestoreBudget is the time-ratio budget when table counting fails.
	RestoreBudget time.Duration
	// DumpBudget is the time-ratio budget when the source size is unknown.
	DumpBudget time.Duration
	// Plateau is where time-ratio estimates settle once over budget.
	Plateau int
}

var DefaultHeuristics = Heuristics{
	CompressedRatio:   0.30,
	FlatRatio:         0.80,
	DirectoryRatio:    0.90,
	ArchiveRatio:      0.30,
	EncryptRatio:      1.0,
	DefaultUnitTarget: 50,
	RestoreBudget:     120 * time.Second,
	DumpBudget:        90 * time.Second,
	Plateau:           95,
}

// WithDefaults fills zero fields from DefaultHeuristics.
func (h Heuristics) WithDefaults() Heuristics {
	d := DefaultHeuristics
	if h.CompressedRatio == 0 {
		h.CompressedRatio = d.CompressedRatio
	}
	if h.FlatRatio == 0 {
		h.FlatRatio = d.FlatRatio
	}
	if h.DirectoryRatio == 0 {
		h.DirectoryRatio = d.DirectoryRatio
	}
	if h.ArchiveRatio == 0 {
		h.ArchiveRatio = d.ArchiveRatio
	}
	if h.EncryptRatio == 0 {
		h.EncryptRatio = d.EncryptRatio
	}
	if h.DefaultUnitTarget == 0 {
		h.DefaultUnitTarget = d.DefaultUnitTarget
	}
	if h.RestoreBudget == 0 {
		h.RestoreBudget = d.RestoreBudget
	}
	if h.DumpBudget == 0 {
		h.DumpBudget = d.DumpBudget
	}
	if h.Plateau == 0 {
		h.Plateau = d.Plateau
	}
	return h
}

func (h Heuristics) Validate() error {
	for name, r := range map[string]float64{
		"compressed_ratio": h.CompressedRatio,
		"flat_ratio":       h.FlatRatio,
		"directory_ratio":  h.DirectoryRatio,
		"archive_ratio":    h.ArchiveRatio,
		"encrypt_ratio":    h.EncryptRatio,
	} {
		if r <= 0 || r > 10 {
			return apperrors.New(apperrors.TypeConfig, "heuristics."+name+" must be in (0, 10]", "")
		}
	}
	if h.DefaultUnitTarget < 1 {
		return apperrors.New(apperrors.TypeConfig, "heuristics.default_unit_target must be at least 1", "")
	}
	if h.RestoreBudget <= 0 || h.DumpBudget <= 0 {
		return apperrors.New(apperrors.TypeConfig, "heuristic time budgets must be positive", "")
	}
	if h.Plateau < 1 || h.Plateau > 99 {
		return apperrors.New(apperrors.TypeConfig, "heuristics.plateau must be between 1 and 99", "")
	}
	return nil
}

// Scale applies ratio to size, rounded to whole bytes.
func Scale(size int64, ratio float64) float64 {
	return math.Round(float64(size) * ratio)
}
