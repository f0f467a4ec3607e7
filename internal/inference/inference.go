package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNoCredential is returned by Generate when the provider has no API key.
// Callers skip the provider cleanly; the pipeline never crashes over a
// missing credential.
var ErrNoCredential = errors.New("inference provider api key is not configured")

// Request is one inference call: a prompt plus an optional JSON Schema the
// model is asked to conform to. Providers that support schema-constrained
// output attach it to the wire request; the others embed it in the prompt.
type Request struct {
	Prompt string
	Schema json.RawMessage
}

// Provider is one inference backend. Generate returns the model's raw text
// output; parsing and validation belong to the caller.
type Provider interface {
	// Name identifies the model the provider calls, recorded on persisted
	// analyses so readers know which model produced a payload.
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// ProviderError is a non-2xx inference response. Rate limiting is the one
// status the orchestrator branches on: it stops the remaining candidates in
// the invocation instead of retrying.
type ProviderError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: status=%d type=%s message=%s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: status=%d message=%s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsRateLimited reports whether err (anywhere in its chain) is a provider
// rate-limit response.
func IsRateLimited(err error) bool {
	var provErr *ProviderError
	return errors.As(err, &provErr) && provErr.IsRateLimited()
}

type Logger interface {
	Printf(format string, v ...any)
}

// readProviderError parses the common {"error":{...}} body shared by the
// Gemini and OpenAI-compatible error formats; anything else becomes the raw
// body text.
func readProviderError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wireError struct {
		Error struct {
			Status  string `json:"status"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		errType := wireError.Error.Type
		if errType == "" {
			errType = wireError.Error.Status
		}
		return &ProviderError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Type:       errType,
			Message:    wireError.Error.Message,
		}
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}
