package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackNotifier(url string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: url, Client: http.DefaultClient}
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackNotifier) payload(stats Stats) slackPayload {
	color, title := "#36a64f", fmt.Sprintf("✅ %s completed", stats.Operation)
	switch stats.Status {
	case StatusError:
		color, title = "#ff0000", fmt.Sprintf("❌ %s failed", stats.Operation)
	case StatusCancelled:
		color, title = "#daa038", fmt.Sprintf("⚠️ %s cancelled", stats.Operation)
	}

	att := slackAttachment{
		Color:  color,
		Title:  title,
		Footer: "dbcycle",
		Ts:     time.Now().Unix(),
		Fields: []slackField{
			{Title: "Engine", Value: stats.Engine, Short: true},
			{Title: "Database", Value: stats.Database, Short: true},
			{Title: "Artifact", Value: stats.Artifact},
			{Title: "Duration", Value: stats.Duration.Truncate(time.Second).String(), Short: true},
		},
	}
	if stats.Size > 0 {
		att.Fields = append(att.Fields, slackField{Title: "Size", Value: humanize.Bytes(uint64(stats.Size)), Short: true})
	}
	if stats.Units > 0 {
		att.Fields = append(att.Fields, slackField{Title: "Tables", Value: strconv.Itoa(stats.Units), Short: true})
	}
	if stats.Error != "" {
		att.Text = fmt.Sprintf("*Error (%s):* %s", stats.ErrorType, stats.Error)
	}
	return slackPayload{Attachments: []slackAttachment{att}}
}

func (s *SlackNotifier) Notify(ctx context.Context, stats Stats) error {
	if s.WebhookURL == "" {
		return nil
	}
	body, err := json.Marshal(s.payload(stats))
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to encode slack payload", "")
	}
	return post(ctx, s.Client, http.MethodPost, s.WebhookURL, body, nil, "slack")
}

func post(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, name string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "invalid "+name+" url", "")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, name+" notification failed", "")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apperrors.New(apperrors.TypeConnection, fmt.Sprintf("%s notification failed with status: %s", name, resp.Status), "")
	}
	return nil
}
