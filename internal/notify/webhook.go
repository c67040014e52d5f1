package notify

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// WebhookNotifier posts Stats as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (n *WebhookNotifier) Notify(ctx context.Context, stats Stats) error {
	if n.URL == "" {
		return nil
	}
	body, err := json.Marshal(stats)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to encode webhook payload", "")
	}
	return post(ctx, n.Client, http.MethodPost, n.URL, body, n.Headers, "webhook")
}
