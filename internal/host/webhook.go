// ABOUTME: Default Dispatcher that POSTs the inbound context to an HTTP webhook
// ABOUTME: The webhook answers with the replies to relay back to the chat

package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNoWebhook is returned by Dispatch when no webhook URL is configured.
var ErrNoWebhook = errors.New("no host webhook configured")

const maxWebhookResponse = 1 << 20

// WebhookDispatcher forwards inbound messages to a host over HTTP.
type WebhookDispatcher struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

type webhookResponse struct {
	Replies []Reply `json:"replies"`
	Error   string  `json:"error,omitempty"`
}

// NewWebhookDispatcher creates a dispatcher. An empty url makes every
// Dispatch fail with ErrNoWebhook.
func NewWebhookDispatcher(url, token string, timeout time.Duration, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    strings.TrimSpace(url),
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "webhook"),
	}
}

// Dispatch posts in to the webhook and delivers each reply in order. A reply
// that fails to deliver is logged and the rest are still attempted.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, in InboundContext, sink ReplySink) error {
	if d.url == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling inbound context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return fmt.Errorf("reading webhook response: %w", err)
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var out webhookResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decoding webhook response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != "" {
			return fmt.Errorf("webhook error (%d): %s", resp.StatusCode, out.Error)
		}
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	for i, reply := range out.Replies {
		if err := sink.Deliver(ctx, reply); err != nil {
			d.logger.Error("reply delivery failed",
				"session", in.SessionKey,
				"index", i,
				"error", err,
			)
		}
	}
	return nil
}
