package inflow

import "context"

// Extractor is the text-to-task capability. Implementations own their retry
// policy: a returned error means the capability failed for good and the
// whole ingestion unit for the item fails. An empty candidate slice with a
// nil error is a valid outcome and is distinct from failure.
//
// Extraction output is never deduplicated by content; dedup is solely the
// idempotency ledger's job.
type Extractor interface {
	Extract(ctx context.Context, item RawItem) ([]TaskCandidate, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, item RawItem) ([]TaskCandidate, error)

func (f ExtractorFunc) Extract(ctx context.Context, item RawItem) ([]TaskCandidate, error) {
	return f(ctx, item)
}
