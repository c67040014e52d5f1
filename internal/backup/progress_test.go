package backup

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/progress"
	"github.com/stretchr/testify/assert"
)

func TestRenderer_Lines(t *testing.T) {
	op := newOperation("id", "backup", func() {})
	go func() {
		for _, pct := range []int{0, 3, 12, 15, 40} {
			op.publish(progress.Estimate{Phase: "dump", Percent: pct, Annotation: "working"})
			time.Sleep(time.Millisecond)
		}
		op.publish(progress.Estimate{Phase: "dump", Percent: 100, Final: true, Annotation: "completed in 2s"})
		op.finish(Result{Success: true, Status: StatusCompleted})
	}()

	var out bytes.Buffer
	res := NewRenderer(&out, false).Render(op)

	assert.True(t, res.Success)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Contains(t, lines[len(lines)-1], "100%")
	assert.Contains(t, lines[len(lines)-1], "completed in 2s")
	for _, l := range lines {
		assert.NotContains(t, l, "  3%")
	}
}

func TestRenderer_BarWaitsForFirstEstimate(t *testing.T) {
	var out bytes.Buffer
	op := newOperation("id", "restore", func() {})
	drawnBeforeDecision := make(chan int, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		drawnBeforeDecision <- out.Len()
		op.publish(progress.Estimate{Phase: "restore", Percent: 40, Annotation: "20 of ~50 tables"})
		op.publish(progress.Estimate{Phase: "restore", Percent: 100, Final: true})
		op.finish(Result{Success: true, Status: StatusCompleted})
	}()

	res := NewRenderer(&out, true).Render(op)

	assert.True(t, res.Success)
	assert.Zero(t, <-drawnBeforeDecision)
}

func TestRenderer_BarNothingDrawnWithoutEstimates(t *testing.T) {
	var out bytes.Buffer
	op := newOperation("id", "restore", func() {})
	go op.finish(Result{Status: StatusCancelled, Err: apperrors.ErrCancelled})

	res := NewRenderer(&out, true).Render(op)

	assert.False(t, res.Success)
	assert.Empty(t, out.String())
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{
			"backup",
			Result{Operation: "backup", Success: true, Database: "app", Artifact: "/b/app.sql", Size: 2048, Units: 3, Duration: 1500 * time.Millisecond},
			"backed up app to /b/app.sql (2.0 kB, 3 tables) in 1.5s",
		},
		{
			"restore",
			Result{Operation: "restore", Success: true, Database: "app_copy", Artifact: "/b/app.sql", Units: 3, Duration: time.Second},
			"restored /b/app.sql into app_copy (3 tables) in 1s",
		},
		{
			"failure",
			Result{Operation: "restore", Status: StatusCancelled, Err: apperrors.ErrConflictAborted},
			"restore cancelled: restore aborted: destination already exists",
		},
		{
			"plain error",
			Result{Operation: "backup", Status: StatusFailed, Err: errors.New("disk full")},
			"backup failed: disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summary(tt.res))
		})
	}
}
