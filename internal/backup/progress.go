package backup

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Renderer draws an operation's progress on a terminal, or as plain lines
// when the output is not a terminal.
type Renderer struct {
	out io.Writer
	tty bool
	// Step is the minimum percentage change between plain lines.
	Step int
}

func NewRenderer(out io.Writer, tty bool) *Renderer {
	return &Renderer{out: out, tty: tty, Step: 10}
}

// Render consumes op's progress stream and returns its result.
func (r *Renderer) Render(op *Operation) Result {
	if r.tty {
		return r.renderBar(op)
	}
	return r.renderLines(op)
}

// renderBar only creates the bar when the first estimate arrives, so the
// terminal stays free for a conflict prompt until a phase starts.
func (r *Renderer) renderBar(op *Operation) Result {
	var (
		mu   sync.Mutex
		last progress.Estimate
		p    *mpb.Progress
		bar  *mpb.Bar
	)
	current := func() progress.Estimate {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	for e := range op.Progress() {
		mu.Lock()
		last = e
		mu.Unlock()
		if bar == nil {
			p, bar = r.newBar(current)
		}
		if !e.Final {
			bar.SetCurrent(int64(e.Percent))
		}
	}

	res := op.Wait()
	if bar == nil {
		return res
	}
	if res.Success && current().Final {
		bar.SetCurrent(100)
	} else {
		bar.Abort(false)
	}
	p.Wait()
	return res
}

func (r *Renderer) newBar(current func() progress.Estimate) (*mpb.Progress, *mpb.Bar) {
	p := mpb.New(mpb.WithOutput(r.out), mpb.WithWidth(48))
	bar := p.AddBar(100,
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				return fmt.Sprintf("%-8s", current().Phase)
			}),
			decor.Percentage(decor.WC{W: 5}),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				return " " + current().Annotation
			}),
		),
	)
	return p, bar
}

func (r *Renderer) renderLines(op *Operation) Result {
	step := r.Step
	if step <= 0 {
		step = 10
	}
	printed, phase := -1, ""
	for e := range op.Progress() {
		if e.Phase == phase && e.Percent-printed < step && !e.Final {
			continue
		}
		printed, phase = e.Percent, e.Phase
		fmt.Fprintf(r.out, "%-8s %3d%%  %s\n", e.Phase, e.Percent, e.Annotation)
	}
	return op.Wait()
}

// Summary is the one-line description of a finished result.
func Summary(res Result) string {
	switch {
	case !res.Success:
		return fmt.Sprintf("%s %s: %s", res.Operation, res.Status, res.Message())
	case res.Operation == "restore":
		return fmt.Sprintf("restored %s into %s (%d tables) in %s",
			res.Artifact, res.Database, res.Units, res.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("backed up %s to %s (%s, %d tables) in %s",
			res.Database, res.Artifact, humanize.Bytes(uint64(res.Size)), res.Units, res.Duration.Round(time.Millisecond))
	}
}
