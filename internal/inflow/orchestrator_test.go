package inflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type stubExtractor struct {
	calls      int32
	candidates []TaskCandidate
	err        error
}

func (s *stubExtractor) Extract(ctx context.Context, item RawItem) ([]TaskCandidate, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

type stubFeed struct {
	calls int32
	page  ChatPage
	since time.Time
	err   error
}

func (s *stubFeed) FetchMessages(ctx context.Context, userKey string, since time.Time) (ChatPage, error) {
	atomic.AddInt32(&s.calls, 1)
	s.since = since
	if s.err != nil {
		return ChatPage{}, s.err
	}
	return s.page, nil
}

func newTestOrchestrator(t *testing.T, store Store, extractor Extractor, feed ChatFeed) *Orchestrator {
	t.Helper()
	engine, err := NewOrchestrator(OrchestratorOptions{Store: store, Extractor: extractor, ChatFeed: feed})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return engine
}

func TestProcessItemExtractsOnce(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{candidates: []TaskCandidate{
		{Title: "follow up with alice", Priority: PriorityMedium, Type: TypeFollowUp},
	}}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()
	item := testRawItem()

	first, err := engine.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("first ProcessItem failed: %v", err)
	}
	if first.Outcome != OutcomeProcessed || first.TasksCreated != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := engine.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("second ProcessItem failed: %v", err)
	}
	if second.Outcome != OutcomeAlreadyProcessed || second.TasksCreated != 0 {
		t.Fatalf("unexpected second result: %+v", second)
	}
	if got := atomic.LoadInt32(&extractor.calls); got != 1 {
		t.Fatalf("extractor calls = %d, want 1", got)
	}
	tasks, err := store.ListTasks(ctx, item.UserKey, "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly 1 task, got %d", len(tasks))
	}
}

func TestProcessItemZeroCandidatesStillFinalizes(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()
	item := testRawItem()

	result, err := engine.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}
	if result.Outcome != OutcomeProcessed || result.TasksCreated != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	rec, err := store.GetRecord(ctx, item.UserKey, item.Source, item.SourceItemID)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if rec.TasksExtracted != 0 {
		t.Fatalf("TasksExtracted = %d, want 0", rec.TasksExtracted)
	}
}

func TestProcessItemReleasesClaimOnExtractionFailure(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{err: &ExtractionError{Attempts: 4, Err: errors.New("down")}}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()
	item := testRawItem()

	if _, err := engine.ProcessItem(ctx, item); !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}

	// The failed item is retryable immediately.
	extractor.err = nil
	extractor.candidates = []TaskCandidate{{Title: "retry me", Priority: PriorityLow, Type: TypeAction}}
	result, err := engine.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if result.Outcome != OutcomeProcessed || result.TasksCreated != 1 {
		t.Fatalf("unexpected retry result: %+v", result)
	}
}

func TestProcessItemRejectsBadCandidates(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{candidates: []TaskCandidate{
		{Title: "", Priority: PriorityLow, Type: TypeAction},
	}}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()
	item := testRawItem()

	if _, err := engine.ProcessItem(ctx, item); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	// Claim released; nothing committed.
	if _, err := store.GetRecord(ctx, item.UserKey, item.Source, item.SourceItemID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
	tasks, err := store.ListTasks(ctx, item.UserKey, "")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestProcessPushMeetingRedelivery(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{candidates: []TaskCandidate{
		{Title: "send minutes", Priority: PriorityMedium, Type: TypeAction},
		{Title: "decide vendor", Priority: PriorityHigh, Type: TypeDecision},
	}}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()
	req := IngestRequest{UserKey: "user-1", Source: SourceMeeting, Payload: meetingPayload()}

	first, err := engine.ProcessPush(ctx, req)
	if err != nil {
		t.Fatalf("first ProcessPush failed: %v", err)
	}
	if first.Status != OutcomeProcessed || first.TasksCreated != 2 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := engine.ProcessPush(ctx, req)
	if err != nil {
		t.Fatalf("redelivered ProcessPush failed: %v", err)
	}
	if second.Status != OutcomeAlreadyProcessed || second.TasksCreated != 0 {
		t.Fatalf("unexpected redelivery result: %+v", second)
	}
	if got := atomic.LoadInt32(&extractor.calls); got != 1 {
		t.Fatalf("extractor calls = %d, want 1", got)
	}
}

func TestProcessPushPageBatchMixedOutcomes(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{candidates: []TaskCandidate{
		{Title: "read page", Priority: PriorityLow, Type: TypeResearch},
	}}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()

	pageReq := func(ids ...string) IngestRequest {
		pages := make([]any, 0, len(ids))
		for _, id := range ids {
			pages = append(pages, map[string]any{
				"pageId":    id,
				"content":   "notes for " + id,
				"updatedAt": "2026-01-05T09:00:00Z",
			})
		}
		return IngestRequest{UserKey: "user-1", Source: SourceWorkspacePage, Payload: map[string]any{"pages": pages}}
	}

	if _, err := engine.ProcessPush(ctx, pageReq("p-1")); err != nil {
		t.Fatalf("seed push failed: %v", err)
	}
	result, err := engine.ProcessPush(ctx, pageReq("p-1", "p-2"))
	if err != nil {
		t.Fatalf("batch push failed: %v", err)
	}
	if result.Status != OutcomeProcessed || result.TasksCreated != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected 2 item results, got %d", len(result.Items))
	}
	if result.Items[0].Outcome != OutcomeAlreadyProcessed || result.Items[1].Outcome != OutcomeProcessed {
		t.Fatalf("unexpected item outcomes: %+v", result.Items)
	}
}

func TestProcessPushUnknownSource(t *testing.T) {
	engine := newTestOrchestrator(t, NewMemoryStore(), &stubExtractor{}, nil)
	req := IngestRequest{UserKey: "user-1", Source: SourceChat}
	if _, err := engine.ProcessPush(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for polled source on push path, got %v", err)
	}
}

func TestPollChatAdvancesCursor(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{candidates: []TaskCandidate{
		{Title: "reply to bob", Priority: PriorityMedium, Type: TypeFollowUp},
	}}
	t1 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	feed := &stubFeed{page: ChatPage{Messages: []ChatMessage{
		{MessageID: "msg-1", Text: "please review", PostedAt: t1},
		{MessageID: "msg-2", Text: "and deploy after", PostedAt: t2},
	}}}
	engine := newTestOrchestrator(t, store, extractor, feed)
	ctx := context.Background()

	result, err := engine.PollChat(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("PollChat failed: %v", err)
	}
	if result.Partial {
		t.Fatalf("unexpected partial result: %+v", result)
	}
	if result.ItemsProcessed != 2 || result.TasksExtracted != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if !result.Cursor.Equal(t2) {
		t.Fatalf("cursor = %s, want %s", result.Cursor, t2)
	}
	if !feed.since.IsZero() {
		t.Fatalf("first poll should start from zero watermark, got %s", feed.since)
	}

	// Overlapping window: everything short-circuits, cursor stays.
	result, err = engine.PollChat(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("second PollChat failed: %v", err)
	}
	if result.ItemsProcessed != 0 || result.Partial {
		t.Fatalf("unexpected re-poll result: %+v", result)
	}
	if !feed.since.Equal(t2) {
		t.Fatalf("second poll since = %s, want %s", feed.since, t2)
	}
	if got := atomic.LoadInt32(&extractor.calls); got != 2 {
		t.Fatalf("extractor calls = %d, want 2", got)
	}
}

func TestPollChatPartialFailureKeepsCursor(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{err: &ExtractionError{Attempts: 4, Err: errors.New("down")}}
	t1 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	feed := &stubFeed{page: ChatPage{Messages: []ChatMessage{
		{MessageID: "msg-1", Text: "first", PostedAt: t1},
		{MessageID: "msg-2", Text: "second", PostedAt: t1.Add(time.Minute)},
	}}}
	engine := newTestOrchestrator(t, store, extractor, feed)
	ctx := context.Background()

	result, err := engine.PollChat(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("PollChat returned transport error for item failure: %v", err)
	}
	if !result.Partial || result.Error == "" {
		t.Fatalf("expected partial result, got %+v", result)
	}
	cur, err := store.GetCursor(ctx, "user-1", SourceChat)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if !cur.LastSeen.IsZero() {
		t.Fatalf("cursor advanced on partial page: %+v", cur)
	}

	// Next cycle re-reads the same window and completes it.
	extractor.err = nil
	extractor.candidates = []TaskCandidate{{Title: "do thing", Priority: PriorityLow, Type: TypeAction}}
	result, err = engine.PollChat(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("second PollChat failed: %v", err)
	}
	if result.Partial || result.ItemsProcessed != 2 {
		t.Fatalf("unexpected second result: %+v", result)
	}
	cur, err = store.GetCursor(ctx, "user-1", SourceChat)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if !cur.LastSeen.Equal(t1.Add(time.Minute)) {
		t.Fatalf("cursor = %s, want %s", cur.LastSeen, t1.Add(time.Minute))
	}
}

func TestPollChatReportsTruncatedPage(t *testing.T) {
	posted := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	extractor := &stubExtractor{}
	feed := &stubFeed{page: ChatPage{
		Messages: []ChatMessage{{MessageID: "msg-1", Text: "first of many", PostedAt: posted}},
		HasMore:  true,
	}}
	engine := newTestOrchestrator(t, NewMemoryStore(), extractor, feed)

	result, err := engine.PollChat(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("PollChat failed: %v", err)
	}
	if !result.HasMore {
		t.Fatalf("truncated page not reported: %+v", result)
	}

	feed.page.HasMore = false
	result, err = engine.PollChat(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("second PollChat failed: %v", err)
	}
	if result.HasMore {
		t.Fatalf("complete page reported as truncated: %+v", result)
	}
}

func TestPollChatFeedFailure(t *testing.T) {
	feed := &stubFeed{err: errors.New("connection refused")}
	engine := newTestOrchestrator(t, NewMemoryStore(), &stubExtractor{}, feed)
	if _, err := engine.PollChat(context.Background(), "user-1", nil); err == nil {
		t.Fatalf("expected feed error to surface")
	}
}

func TestPollChatSinceOverride(t *testing.T) {
	feed := &stubFeed{}
	engine := newTestOrchestrator(t, NewMemoryStore(), &stubExtractor{}, feed)
	override := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := engine.PollChat(context.Background(), "user-1", &override); err != nil {
		t.Fatalf("PollChat failed: %v", err)
	}
	if !feed.since.Equal(override) {
		t.Fatalf("since = %s, want override %s", feed.since, override)
	}
}

func TestPollChatWithoutFeed(t *testing.T) {
	engine := newTestOrchestrator(t, NewMemoryStore(), &stubExtractor{}, nil)
	if _, err := engine.PollChat(context.Background(), "user-1", nil); err == nil {
		t.Fatalf("expected error when no feed is configured")
	}
}

func TestCheckProcessedPages(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{}
	engine := newTestOrchestrator(t, store, extractor, nil)
	ctx := context.Background()

	item := RawItem{UserKey: "user-1", Source: SourceWorkspacePage, SourceItemID: "p-1", Text: "notes"}
	if _, err := engine.ProcessItem(ctx, item); err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}

	processed, err := engine.CheckProcessedPages(ctx, "user-1", []string{"p-1", "p-2"})
	if err != nil {
		t.Fatalf("CheckProcessedPages failed: %v", err)
	}
	if len(processed) != 1 || processed[0] != "p-1" {
		t.Fatalf("processed = %v, want [p-1]", processed)
	}
}

func TestProcessItemSettlesAfterCancellation(t *testing.T) {
	store := NewMemoryStore()
	extractor := &stubExtractor{candidates: []TaskCandidate{
		{Title: "still committed", Priority: PriorityLow, Type: TypeAction},
	}}
	engine := newTestOrchestrator(t, store, extractor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	item := testRawItem()
	cancel()

	// The stub extractor ignores ctx, so the unit reaches Finalize with a
	// canceled caller context; the detached settle context must commit.
	result, err := engine.ProcessItem(ctx, item)
	if err != nil {
		t.Fatalf("ProcessItem failed: %v", err)
	}
	if result.Outcome != OutcomeProcessed {
		t.Fatalf("unexpected result: %+v", result)
	}
	if _, err := store.GetRecord(context.Background(), item.UserKey, item.Source, item.SourceItemID); err != nil {
		t.Fatalf("record not committed: %v", err)
	}
}
