package inflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPExtractorOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Model      string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPExtractor calls an external text-to-task service. The service is
// treated as unreliable: transport errors, 429s, 5xx responses, and
// malformed bodies all count as failed attempts and are retried with
// exponential backoff up to MaxRetries; after that the item's ingestion
// unit fails with an ExtractionError.
type HTTPExtractor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	model      string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPExtractor(opts HTTPExtractorOptions) *HTTPExtractor {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPExtractor{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		model:      strings.TrimSpace(opts.Model),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type extractRequest struct {
	Source     string `json:"source"`
	Title      string `json:"title,omitempty"`
	Text       string `json:"text"`
	OccurredAt string `json:"occurredAt,omitempty"`
	Model      string `json:"model,omitempty"`
}

type extractResponse struct {
	Candidates []TaskCandidate `json:"candidates"`
}

func (c *HTTPExtractor) Extract(ctx context.Context, item RawItem) ([]TaskCandidate, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("extractor base url is required")
	}
	payload := extractRequest{
		Source: string(item.Source),
		Title:  item.Title,
		Text:   item.Text,
		Model:  c.model,
	}
	if !item.OccurredAt.IsZero() {
		payload.OccurredAt = item.OccurredAt.UTC().Format(time.RFC3339)
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/v1/extract"

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt, retryAfterOf(lastErr))); waitErr != nil {
				return nil, waitErr
			}
		}
		attempts++
		candidates, attemptErr := c.attempt(ctx, url, bodyBytes)
		if attemptErr == nil {
			return candidates, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = attemptErr
	}
	return nil, &ExtractionError{Attempts: attempts, Err: lastErr}
}

type attemptError struct {
	err        error
	retryAfter string
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func retryAfterOf(err error) string {
	if attempt, ok := err.(*attemptError); ok {
		return attempt.retryAfter
	}
	return ""
}

func (c *HTTPExtractor) attempt(ctx context.Context, url string, body []byte) ([]TaskCandidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &attemptError{err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &attemptError{err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		return nil, &attemptError{
			err:        fmt.Errorf("extract failed: status=%d message=%s", resp.StatusCode, errMessage),
			retryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var decoded extractResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, &attemptError{err: fmt.Errorf("extract returned malformed body: %w", err)}
	}
	if decoded.Candidates == nil {
		decoded.Candidates = []TaskCandidate{}
	}
	return decoded.Candidates, nil
}

func (c *HTTPExtractor) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
