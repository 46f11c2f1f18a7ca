package inflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ChatFeed supplies pages of chat messages newer than a watermark. The poll
// trigger reads from it; implementations fetch from the chat provider.
type ChatFeed interface {
	FetchMessages(ctx context.Context, userKey string, since time.Time) (ChatPage, error)
}

type HTTPChatFeedOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPChatFeed fetches message pages over HTTP. Transient failures retry
// with the same bounded backoff as the extractor client; a failed fetch
// fails the poll cycle without touching the cursor, so the next cycle
// re-reads the same window.
type HTTPChatFeed struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPChatFeed(opts HTTPChatFeedOptions) *HTTPChatFeed {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	return &HTTPChatFeed{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		pageSize:   pageSize,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPChatFeed) FetchMessages(ctx context.Context, userKey string, since time.Time) (ChatPage, error) {
	if c == nil || c.baseURL == "" {
		return ChatPage{}, fmt.Errorf("chat feed base url is required")
	}
	query := url.Values{}
	query.Set("userKey", userKey)
	query.Set("limit", fmt.Sprintf("%d", c.pageSize))
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	fetchURL := c.baseURL + "/v1/messages?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay
			for i := 1; i < attempt; i++ {
				delay *= 2
			}
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return ChatPage{}, waitErr
			}
		}
		page, err := c.fetch(ctx, fetchURL)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return ChatPage{}, ctx.Err()
		}
		lastErr = err
	}
	return ChatPage{}, fmt.Errorf("chat feed fetch failed: %w", lastErr)
}

func (c *HTTPChatFeed) fetch(ctx context.Context, fetchURL string) (ChatPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return ChatPage{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatPage{}, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return ChatPage{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ChatPage{}, fmt.Errorf("chat feed status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var page ChatPage
	if err := json.Unmarshal(body, &page); err != nil {
		return ChatPage{}, fmt.Errorf("chat feed returned malformed body: %w", err)
	}
	return page, nil
}
