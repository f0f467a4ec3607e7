package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/pensieve/internal/lifelog"
)

// ErrNoCredential is returned by FetchPage when no API key is configured.
// Callers treat it as "skip this pass", never as a crash: the pipeline must not
// block the surrounding application just because a credential is absent.
var ErrNoCredential = errors.New("lifelog provider api key is not configured")

// APIError is a non-2xx provider response. 4xx statuses are terminal and never
// retried; 5xx statuses are retried up to the attempt ceiling before one of
// these escapes.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("lifelog api: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("lifelog api: status=%d message=%s", e.StatusCode, e.Message)
}

// Lifelog is one entry as returned by the provider, including the hierarchical
// content tree when includeMarkdown/includeHeadings are requested.
type Lifelog struct {
	ID        string                `json:"id"`
	Title     string                `json:"title"`
	Markdown  string                `json:"markdown"`
	StartTime string                `json:"startTime"`
	EndTime   string                `json:"endTime"`
	IsStarred bool                  `json:"isStarred"`
	UpdatedAt string                `json:"updatedAt"`
	Contents  []lifelog.ContentNode `json:"contents"`
}

// Page is one page of results. NextCursor is nil (or empty) on the final page;
// that is the sole termination condition for a pagination loop.
type Page struct {
	Items      []Lifelog
	NextCursor *string
}

// PageRequest are the query parameters for one FetchPage call.
type PageRequest struct {
	Cursor   *string
	Start    string
	End      string
	Limit    int
	Timezone string
}

type Logger interface {
	Printf(format string, v ...any)
}

type ClientOptions struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      Logger
}

// Client fetches lifelog pages from the provider API. Transport failures and
// 5xx responses are retried with exponential backoff up to MaxAttempts total
// calls; 4xx responses are returned immediately.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      Logger
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.limitless.ai"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      strings.TrimSpace(opts.APIKey),
		httpClient:  httpClient,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      opts.Logger,
	}
}

type lifelogsEnvelope struct {
	Data struct {
		Lifelogs []Lifelog `json:"lifelogs"`
	} `json:"data"`
	Meta struct {
		Lifelogs struct {
			NextCursor *string `json:"nextCursor"`
			Count      int     `json:"count"`
		} `json:"lifelogs"`
	} `json:"meta"`
}

// FetchPage issues one GET /v1/lifelogs call requesting markdown, hierarchical
// content and headings, newest first. The caller feeds Page.NextCursor back in
// until it is nil or empty.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	if c.apiKey == "" {
		return nil, ErrNoCredential
	}

	query := url.Values{}
	query.Set("direction", "desc")
	query.Set("includeMarkdown", "true")
	query.Set("includeHeadings", "true")
	if req.Cursor != nil && *req.Cursor != "" {
		query.Set("cursor", *req.Cursor)
	}
	if req.Start != "" {
		query.Set("start", req.Start)
	}
	if req.End != "" {
		query.Set("end", req.End)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Timezone != "" {
		query.Set("timezone", req.Timezone)
	}
	endpoint := c.baseURL + "/v1/lifelogs?" + query.Encode()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("X-API-Key", c.apiKey)
		httpReq.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("fetch lifelogs page: %w", err)
			if attempt < c.maxAttempts {
				c.logf("lifelog fetch attempt %d/%d failed: %v", attempt, c.maxAttempts, err)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read lifelogs response: %w", readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var envelope lifelogsEnvelope
			if err := json.Unmarshal(body, &envelope); err != nil {
				return nil, fmt.Errorf("decode lifelogs response: %w", err)
			}
			return &Page{
				Items:      envelope.Data.Lifelogs,
				NextCursor: envelope.Meta.Lifelogs.NextCursor,
			}, nil
		}

		apiErr := decodeAPIError(resp.StatusCode, body)
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			lastErr = apiErr
			if attempt < c.maxAttempts {
				c.logf("lifelog fetch attempt %d/%d got status %d, retrying", attempt, c.maxAttempts, resp.StatusCode)
				if waitErr := sleepContext(ctx, c.retryDelay(attempt, resp.Header.Get("Retry-After"))); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, lastErr
		}
		return nil, apiErr
	}
	return nil, lastErr
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			apiErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			apiErr.Message = message
		}
	}
	return apiErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logf(format string, v ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, v...)
}
