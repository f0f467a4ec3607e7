package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by Post when no webhook URL is set. Callers
// treat it as "nowhere to send this", not as a failure of the pipeline.
var ErrNotConfigured = errors.New("alert webhook url is not configured")

type Logger interface {
	Printf(format string, v ...any)
}

type ClientOptions struct {
	WebhookURL string
	HTTPClient *http.Client
	Logger     Logger
}

// Client posts staleness alerts to a chat webhook. The pipeline owns only
// the trigger decision and the raw text; message styling belongs to the
// receiving side.
type Client struct {
	webhookURL string
	httpClient *http.Client
	logger     Logger
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		webhookURL: strings.TrimSpace(opts.WebhookURL),
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

// Configured reports whether a webhook URL is set.
func (c *Client) Configured() bool {
	return c.webhookURL != ""
}

// Post sends one text blob to the webhook.
func (c *Client) Post(ctx context.Context, text string) error {
	if c.webhookURL == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("post alert: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
