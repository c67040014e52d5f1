// Package notify tells Slack or any HTTP endpoint how an operation ended.
package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/config"
	"github.com/lupppig/dbcycle/internal/logger"
)

type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Stats is the part of a finished operation that is sent out.
type Stats struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	Operation string        `json:"operation"`
	Engine    string        `json:"engine"`
	Database  string        `json:"database"`
	Strategy  string        `json:"strategy,omitempty"`
	Artifact  string        `json:"artifact,omitempty"`
	Location  string        `json:"location,omitempty"`
	Size      int64         `json:"size"`
	Units     int           `json:"units"`
	Duration  time.Duration `json:"duration"`
	ErrorType string        `json:"error_type,omitempty"`
	Error     string        `json:"error,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	// Trigger is "cli" or the id of the schedule that ran the operation.
	Trigger string `json:"trigger"`
}

func FromResult(res backup.Result, trigger string) Stats {
	s := Stats{
		ID:        res.ID,
		Status:    StatusSuccess,
		Operation: res.Operation,
		Engine:    res.Engine,
		Database:  res.Database,
		Strategy:  string(res.Strategy),
		Artifact:  res.Artifact,
		Location:  res.Location,
		Size:      res.Size,
		Units:     res.Units,
		Duration:  res.Duration,
		Warnings:  res.Warnings,
		Trigger:   trigger,
	}
	switch res.Status {
	case backup.StatusCancelled:
		s.Status = StatusCancelled
	case backup.StatusFailed:
		s.Status = StatusError
	}
	if res.Err != nil {
		s.ErrorType = string(res.ErrorType())
		s.Error = res.Err.Error()
	}
	return s
}

type Notifier interface {
	Notify(ctx context.Context, stats Stats) error
}

// MultiNotifier fans out to every notifier. One failing endpoint does not
// stop the others.
type MultiNotifier struct {
	Notifiers []Notifier
	Logger    *logger.Logger
}

func (m *MultiNotifier) Notify(ctx context.Context, stats Stats) error {
	var errs []error
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, stats); err != nil {
			if m.Logger != nil {
				m.Logger.Warn("notification failed", "operation", stats.Operation, "error", err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// failuresOnly drops successful results.
type failuresOnly struct {
	next Notifier
}

func (f failuresOnly) Notify(ctx context.Context, stats Stats) error {
	if stats.Status == StatusSuccess {
		return nil
	}
	return f.next.Notify(ctx, stats)
}

type nop struct{}

func (nop) Notify(context.Context, Stats) error { return nil }

// Build returns the notifiers configured in cfg. It never returns nil.
func Build(cfg *config.Config, log *logger.Logger) Notifier {
	client := &http.Client{Timeout: 10 * time.Second}
	n := cfg.Notifications

	var notifiers []Notifier
	if n.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &SlackNotifier{WebhookURL: n.Slack.WebhookURL, Client: client})
	}
	if n.Webhook.URL != "" {
		notifiers = append(notifiers, &WebhookNotifier{URL: n.Webhook.URL, Headers: n.Webhook.Headers, Client: client})
	}

	var out Notifier
	switch len(notifiers) {
	case 0:
		return nop{}
	case 1:
		out = notifiers[0]
	default:
		out = &MultiNotifier{Notifiers: notifiers, Logger: log}
	}
	if !n.OnSuccess {
		out = failuresOnly{next: out}
	}
	return out
}
