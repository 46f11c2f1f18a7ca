package inflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRawItem() RawItem {
	return RawItem{
		UserKey:      "user-1",
		Source:       SourceMeeting,
		SourceItemID: "m-1@2026-01-05T10:00:00Z",
		Title:        "planning",
		Text:         "we need to ship the login fix",
		OccurredAt:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}
}

func fastExtractor(baseURL string) *HTTPExtractor {
	return NewHTTPExtractor(HTTPExtractorOptions{
		BaseURL:   baseURL,
		APIKey:    "test-key",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestHTTPExtractorSuccess(t *testing.T) {
	var gotAuth string
	var gotBody extractRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/extract" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(extractResponse{Candidates: []TaskCandidate{
			{Title: "ship login fix", Priority: PriorityHigh, Type: TypeAction},
		}})
	}))
	defer server.Close()

	candidates, err := fastExtractor(server.URL).Extract(context.Background(), testRawItem())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Title != "ship login fix" {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if gotBody.Source != "meeting" || gotBody.Text == "" || gotBody.OccurredAt == "" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}

func TestHTTPExtractorZeroCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(extractResponse{})
	}))
	defer server.Close()

	candidates, err := fastExtractor(server.URL).Extract(context.Background(), testRawItem())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if candidates == nil || len(candidates) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", candidates)
	}
}

func TestHTTPExtractorRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, `{"message":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(extractResponse{Candidates: []TaskCandidate{
			{Title: "retry worked", Priority: PriorityLow, Type: TypeFollowUp},
		}})
	}))
	defer server.Close()

	candidates, err := fastExtractor(server.URL).Extract(context.Background(), testRawItem())
	if err != nil {
		t.Fatalf("Extract failed after retries: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("unexpected candidates: %v", candidates)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestHTTPExtractorExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"down"}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := fastExtractor(server.URL).Extract(context.Background(), testRawItem())
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
	var extractionErr *ExtractionError
	if !errors.As(err, &extractionErr) {
		t.Fatalf("expected *ExtractionError, got %T", err)
	}
	if extractionErr.Attempts != int(atomic.LoadInt32(&calls)) || extractionErr.Attempts != 4 {
		t.Fatalf("attempts = %d, calls = %d, want 4", extractionErr.Attempts, atomic.LoadInt32(&calls))
	}
}

func TestHTTPExtractorMalformedBodyIsRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte("{not json"))
			return
		}
		_ = json.NewEncoder(w).Encode(extractResponse{})
	}))
	defer server.Close()

	if _, err := fastExtractor(server.URL).Extract(context.Background(), testRawItem()); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestHTTPExtractorHonorsContextCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastExtractor(server.URL).Extract(ctx, testRawItem())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryDelayBackoffAndCap(t *testing.T) {
	client := NewHTTPExtractor(HTTPExtractorOptions{
		BaseURL:   "http://unused",
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay = %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("attempt 3 delay = %s", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("attempt 10 delay = %s, want cap", got)
	}
	if got := client.retryDelay(1, "1"); got != time.Second {
		t.Fatalf("retry-after 1s capped delay = %s", got)
	}
	if got := client.retryDelay(1, "nonsense"); got != 100*time.Millisecond {
		t.Fatalf("bad retry-after delay = %s", got)
	}
}
