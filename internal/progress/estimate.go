// Package progress turns indirect signals (bytes written, rows restored,
// seconds elapsed) into a bounded, monotonic completion estimate.
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

type Mode int

const (
	// ModeMagnitude compares the sampled value against a target magnitude.
	ModeMagnitude Mode = iota
	// ModeTime compares elapsed time against a budget.
	ModeTime
)

type Unit int

const (
	UnitBytes Unit = iota
	UnitCount
	UnitSeconds
)

// MaxRunning is the highest percentage reported while the process is alive.
const MaxRunning = 99

// DefaultPlateau is where time-ratio estimates settle once the budget is exceeded.
const DefaultPlateau = 95

type Sample struct {
	At    time.Time
	Value float64
}

type Params struct {
	Mode   Mode
	Unit   Unit
	Label  string // noun for UnitCount annotations, e.g. "tables"
	Target float64
	Budget time.Duration
	// Plateau is used by ModeTime once Budget is exceeded; zero means DefaultPlateau.
	Plateau int
	Start   time.Time
}

type Estimate struct {
	Phase        string
	Percent      int
	PhasePercent int
	Rate         float64
	Elapsed      time.Duration
	Value        float64
	Annotation   string
	Initializing bool
	Final        bool
	At           time.Time

	sampled bool
}

// Update folds one sample into the previous estimate. It never lowers the
// percentage and never reports more than MaxRunning; completion is declared
// separately with Complete.
func Update(prev Estimate, s Sample, p Params) Estimate {
	next := prev
	next.Initializing = false
	next.At = s.At
	next.Value = s.Value
	if !p.Start.IsZero() {
		next.Elapsed = s.At.Sub(p.Start)
	}

	next.Rate = 0
	if prev.sampled && s.At.After(prev.At) {
		dt := s.At.Sub(prev.At).Seconds()
		if rate := (s.Value - prev.Value) / dt; rate > 0 {
			next.Rate = rate
		}
	}
	next.sampled = true

	computed := 0
	overBudget := false
	switch p.Mode {
	case ModeMagnitude:
		if p.Target > 0 {
			computed = clamp(int(math.Floor(s.Value/p.Target*100)), 0, MaxRunning)
		}
	case ModeTime:
		if p.Budget > 0 {
			elapsed := time.Duration(s.Value * float64(time.Second))
			if elapsed > p.Budget {
				overBudget = true
				computed = p.plateau()
			} else {
				computed = clamp(int(math.Floor(float64(elapsed)/float64(p.Budget)*100)), 0, MaxRunning)
			}
		}
	}

	next.PhasePercent = max(prev.PhasePercent, computed)
	next.Percent = next.PhasePercent
	next.Annotation = annotate(next, p, overBudget)
	return next
}

// Initializing marks prev as waiting for its signal source to appear.
func Initializing(prev Estimate, at time.Time, start time.Time) Estimate {
	next := prev
	next.Initializing = true
	next.At = at
	if !start.IsZero() {
		next.Elapsed = at.Sub(start)
	}
	next.Annotation = "initializing"
	return next
}

// Complete is the estimate published once success has been confirmed.
func Complete(prev Estimate, at time.Time) Estimate {
	next := prev
	next.Percent = 100
	next.PhasePercent = 100
	next.Initializing = false
	next.Final = true
	next.At = at
	next.Annotation = "completed in " + formatDuration(prev.Elapsed)
	return next
}

func (p Params) plateau() int {
	if p.Plateau <= 0 {
		return DefaultPlateau
	}
	return clamp(p.Plateau, 0, MaxRunning)
}

func annotate(e Estimate, p Params, overBudget bool) string {
	elapsed := formatDuration(e.Elapsed)
	switch p.Unit {
	case UnitBytes:
		s := humanize.Bytes(uint64(max(e.Value, 0)))
		if p.Target > 0 {
			s += " of ~" + humanize.Bytes(uint64(p.Target))
		}
		if e.Rate > 0 {
			s += ", " + humanize.Bytes(uint64(e.Rate)) + "/s"
		}
		return s + ", elapsed " + elapsed
	case UnitCount:
		label := p.Label
		if label == "" {
			label = "objects"
		}
		s := fmt.Sprintf("%d", int64(e.Value))
		if p.Target > 0 {
			s += fmt.Sprintf(" of ~%d", int64(p.Target))
		}
		s += " " + label
		if e.Rate > 0 {
			s += fmt.Sprintf(", %.1f/s", e.Rate)
		}
		return s + ", elapsed " + elapsed
	default:
		if overBudget {
			return "elapsed " + elapsed + ", taking longer than expected"
		}
		if p.Budget > 0 {
			return "elapsed " + elapsed + " of ~" + formatDuration(p.Budget)
		}
		return "elapsed " + elapsed
	}
}

func formatDuration(d time.Duration) string {
	return d.Truncate(time.Second).String()
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// Span maps a phase's own 0-99 range onto a slice [From, To) of the overall
// operation so that multi-phase operations stay monotonic.
type Span struct {
	From int
	To   int
}

var Full = Span{From: 0, To: 100}

func (s Span) Map(pct int) int {
	if s.To <= s.From {
		return s.From
	}
	return s.From + pct*(s.To-s.From)/100
}
