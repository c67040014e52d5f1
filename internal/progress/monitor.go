package progress

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/logger"
	"github.com/lupppig/dbcycle/internal/process"
)

const DefaultInterval = time.Second

// Fallback replaces the primary source after its first hard failure.
type Fallback struct {
	Source Source
	Params Params
}

// Monitor samples a signal source while a process handle is alive and feeds
// the samples through Update.
type Monitor struct {
	Phase    string
	Source   Source
	Params   Params
	Interval time.Duration
	Span     Span
	Fallback *Fallback
	// FinalOnSuccess publishes a 100% estimate when the handle exits cleanly.
	FinalOnSuccess bool
	Logger         *logger.Logger

	now func() time.Time
}

// Run blocks until h terminates, publishing estimates through emit. If ctx is
// done first the handle is terminated and Run still waits for it, so the
// process and its monitor stop together. The returned estimate is the last
// one published.
func (m *Monitor) Run(ctx context.Context, h process.Handle, emit func(Estimate)) Estimate {
	if m.now == nil {
		m.now = time.Now
	}
	if m.Logger == nil {
		m.Logger = logger.Nop()
	}
	if m.Span == (Span{}) {
		m.Span = Full
	}
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	params := m.Params
	params.Start = h.StartedAt()
	source := m.Source
	fellBack := false

	est := Initializing(Estimate{Phase: m.Phase}, m.now(), params.Start)
	publish := func(e Estimate) {
		if emit == nil {
			return
		}
		out := e
		if !out.Final {
			out.Percent = m.Span.Map(e.PhasePercent)
		}
		emit(out)
	}
	publish(est)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil
			if err := h.Terminate(); err != nil {
				m.Logger.Warn("Failed to terminate process", "phase", m.Phase, "error", err)
			}
		case <-h.Done():
			if m.FinalOnSuccess && h.Wait().Success() {
				est = Complete(est, m.now())
				publish(est)
			}
			return est
		case <-ticker.C:
			if !h.Running() {
				continue
			}
			value, err := source.Sample(ctx)
			if err != nil && !errors.Is(err, ErrNotReady) && m.Fallback != nil && !fellBack {
				m.Logger.Debug("Signal source failed, switching to fallback", "phase", m.Phase, "error", err)
				fellBack = true
				source = m.Fallback.Source
				start := params.Start
				params = m.Fallback.Params
				params.Start = start
				value, err = source.Sample(ctx)
			}
			switch {
			case errors.Is(err, ErrNotReady):
				if !est.sampled {
					est = Initializing(est, m.now(), params.Start)
					publish(est)
				}
				continue
			case err != nil:
				m.Logger.Debug("Skipping progress sample",
					"phase", m.Phase,
					"error", apperrors.Wrap(err, apperrors.TypeSignal, "signal source unavailable", ""))
				continue
			}
			est = Update(est, Sample{At: m.now(), Value: value}, params)
			publish(est)
		}
	}
}
