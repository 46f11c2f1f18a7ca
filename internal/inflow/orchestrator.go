package inflow

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Orchestrator runs the ingestion unit of work: claim the item, extract
// candidates, commit tasks and the processing record together, and for
// polled sources advance the watermark once a whole page is committed.
// It holds no mutable state of its own; everything shared lives in the
// Store.
type Orchestrator struct {
	store     Store
	extractor Extractor
	feed      ChatFeed
	chat      ChatAdapter
}

type OrchestratorOptions struct {
	Store     Store
	Extractor Extractor
	ChatFeed  ChatFeed
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil || opts.Extractor == nil {
		return nil, ErrInvalidInput
	}
	return &Orchestrator{
		store:     opts.Store,
		extractor: opts.Extractor,
		feed:      opts.ChatFeed,
	}, nil
}

// ProcessItem ingests one raw item.
//
// AlreadyProcessed is a successful no-op, never an error: it is the
// steady-state outcome for replayed webhooks and overlapping poll windows.
// On extraction failure the claim is released so a later delivery can retry
// the item. Finalize and release run on a context detached from the
// caller's cancellation; a request that is abandoned mid-unit must still
// settle the claim one way or the other.
func (o *Orchestrator) ProcessItem(ctx context.Context, item RawItem) (ItemResult, error) {
	if err := item.validate(); err != nil {
		return ItemResult{}, err
	}
	claimed, err := o.store.TryClaim(ctx, item.UserKey, item.Source, item.SourceItemID)
	if err != nil {
		return ItemResult{}, fmt.Errorf("claim %s/%s: %w", item.Source, item.SourceItemID, err)
	}
	if !claimed {
		return ItemResult{
			Outcome:      OutcomeAlreadyProcessed,
			SourceItemID: item.SourceItemID,
		}, nil
	}

	settleCtx := context.WithoutCancel(ctx)

	candidates, err := o.extractor.Extract(ctx, item)
	if err != nil {
		o.releaseClaim(settleCtx, item)
		return ItemResult{}, err
	}
	tasks, err := TasksFromCandidates(item, candidates)
	if err != nil {
		o.releaseClaim(settleCtx, item)
		return ItemResult{}, err
	}
	rec := ProcessingRecord{
		UserKey:      item.UserKey,
		Source:       item.Source,
		SourceItemID: item.SourceItemID,
		SourceTitle:  item.Title,
	}
	if err := o.store.Finalize(settleCtx, rec, tasks); err != nil {
		o.releaseClaim(settleCtx, item)
		return ItemResult{}, fmt.Errorf("finalize %s/%s: %w", item.Source, item.SourceItemID, err)
	}
	return ItemResult{
		Outcome:      OutcomeProcessed,
		SourceItemID: item.SourceItemID,
		TasksCreated: len(tasks),
	}, nil
}

func (o *Orchestrator) releaseClaim(ctx context.Context, item RawItem) {
	if err := o.store.ReleaseClaim(ctx, item.UserKey, item.Source, item.SourceItemID); err != nil {
		// The claim TTL reclaims it eventually; log so the stall is visible.
		log.Printf("release claim %s/%s for %s: %v", item.Source, item.SourceItemID, item.UserKey, err)
	}
}

// ProcessPush handles one webhook delivery: normalize through the source's
// adapter, then ingest every resulting item. Items already in the ledger
// short-circuit; the delivery's status is "processed" if anything new was
// committed, "already_processed" if the whole delivery was a replay.
func (o *Orchestrator) ProcessPush(ctx context.Context, req IngestRequest) (PushResult, error) {
	adapter, ok := AdapterFor(req.Source)
	if !ok {
		return PushResult{}, &NormalizationError{Source: req.Source, Reason: "unknown push source"}
	}
	items, err := adapter.Normalize(req)
	if err != nil {
		return PushResult{}, err
	}
	result := PushResult{Status: OutcomeAlreadyProcessed}
	for _, item := range items {
		itemResult, err := o.ProcessItem(ctx, item)
		if err != nil {
			return PushResult{}, err
		}
		if itemResult.Outcome == OutcomeProcessed {
			result.Status = OutcomeProcessed
			result.TasksCreated += itemResult.TasksCreated
		}
		result.Items = append(result.Items, itemResult)
	}
	return result, nil
}

// PollChat runs one poll cycle for a user's chat source. The cursor
// advances only when every item in the fetched page finalized; a partial
// page leaves it untouched so the next cycle re-reads the unfinalized tail.
func (o *Orchestrator) PollChat(ctx context.Context, userKey string, sinceOverride *time.Time) (PollResult, error) {
	if o.feed == nil {
		return PollResult{}, fmt.Errorf("chat feed is not configured")
	}
	cur, err := o.store.GetCursor(ctx, userKey, SourceChat)
	if err != nil {
		return PollResult{}, err
	}
	since := cur.LastSeen
	if sinceOverride != nil {
		since = *sinceOverride
	}
	page, err := o.feed.FetchMessages(ctx, userKey, since)
	if err != nil {
		return PollResult{}, err
	}
	items, latest, err := o.chat.NormalizePage(userKey, page)
	if err != nil {
		return PollResult{}, err
	}

	result := PollResult{Cursor: cur.LastSeen, HasMore: page.HasMore}
	var firstErr error
	for _, item := range items {
		itemResult, err := o.ProcessItem(ctx, item)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if itemResult.Outcome == OutcomeProcessed {
			result.ItemsProcessed++
			result.TasksExtracted += itemResult.TasksCreated
		}
	}
	if firstErr != nil {
		result.Partial = true
		result.Error = firstErr.Error()
		return result, nil
	}
	if latest.After(cur.LastSeen) {
		advance := SyncCursor{
			UserKey:        userKey,
			Source:         SourceChat,
			LastSeen:       latest,
			ItemsProcessed: result.ItemsProcessed,
			TasksExtracted: result.TasksExtracted,
		}
		if err := o.store.AdvanceCursor(context.WithoutCancel(ctx), advance); err != nil {
			// Processing committed; a stale cursor only costs a re-read.
			result.Partial = true
			result.Error = fmt.Sprintf("advance cursor: %v", err)
			return result, nil
		}
		result.Cursor = latest
	}
	return result, nil
}

// CheckProcessedPages is the batch-check capability for the workspace-page
// source: it returns the subset of page ids already finalized in the
// ledger, in input order.
func (o *Orchestrator) CheckProcessedPages(ctx context.Context, userKey string, pageIDs []string) ([]string, error) {
	return o.store.FilterProcessed(ctx, userKey, SourceWorkspacePage, pageIDs)
}
