package inflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultClaimTTL bounds how long an unfinalized claim can block an item.
// A worker that claimed an item and then died (crash, abandoned request)
// loses the claim after this window and a later delivery may re-claim it.
const DefaultClaimTTL = 5 * time.Minute

// Store is the durable state of the engine: the canonical task board, the
// idempotency ledger, and the per-(user, source) sync cursors. All methods
// are safe for concurrent use; correctness across workers relies on the
// atomicity of these operations, never on caller-side locking.
type Store interface {
	// CreateTask validates fields, assigns an identifier, and persists the
	// task in status TODO.
	CreateTask(ctx context.Context, req NewTaskRequest) (Task, error)

	// Transition moves a task along one edge of the board state machine.
	// Concurrent transitions on the same task serialize; losers of the race
	// are re-evaluated against the new status.
	Transition(ctx context.Context, taskID string, to TaskStatus) (Task, error)

	// ListTasks returns a user's tasks, optionally filtered by status,
	// most recently updated first.
	ListTasks(ctx context.Context, userKey string, status TaskStatus) ([]Task, error)

	// Summary returns counts by status and a bounded recent sample.
	Summary(ctx context.Context, userKey string, recentLimit int) (TaskSummary, error)

	// TryClaim atomically marks (userKey, source, itemID) as owned by the
	// caller. Exactly one concurrent caller observes claimed=true; all
	// others, and all later callers, observe claimed=false. A claim left
	// unfinalized longer than the claim TTL is stolen by a later TryClaim.
	TryClaim(ctx context.Context, userKey string, source SourceKind, itemID string) (claimed bool, err error)

	// ReleaseClaim removes an unfinalized claim so the item can be
	// reprocessed. Releasing a finalized record is ErrInvalidState.
	ReleaseClaim(ctx context.Context, userKey string, source SourceKind, itemID string) error

	// Finalize commits the processing record and its extracted tasks as one
	// unit. A reader observes either none or all of them. The record's key
	// must hold a live claim owned by the caller; otherwise ErrInvalidState.
	Finalize(ctx context.Context, rec ProcessingRecord, tasks []Task) error

	// GetRecord returns the finalized processing record for a key triple,
	// or ErrNotFound.
	GetRecord(ctx context.Context, userKey string, source SourceKind, itemID string) (ProcessingRecord, error)

	// FilterProcessed returns the subset of itemIDs that already have a
	// finalized processing record, preserving input order.
	FilterProcessed(ctx context.Context, userKey string, source SourceKind, itemIDs []string) ([]string, error)

	// GetCursor returns the sync cursor for (userKey, source). A source
	// that has never been polled yields a zero cursor, not ErrNotFound.
	GetCursor(ctx context.Context, userKey string, source SourceKind) (SyncCursor, error)

	// AdvanceCursor moves the watermark forward. A cursor behind the stored
	// one is ignored; the watermark never regresses.
	AdvanceCursor(ctx context.Context, cur SyncCursor) error

	Close() error
}

func validateNewTask(req NewTaskRequest) error {
	if strings.TrimSpace(req.UserKey) == "" {
		return &ValidationError{Field: "userKey", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if !req.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(req.Priority)}
	}
	if !req.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown type " + string(req.Type)}
	}
	return nil
}

func newTask(req NewTaskRequest) Task {
	now := nowRFC3339()
	return Task{
		TaskID:      "task_" + uuid.NewString(),
		UserKey:     req.UserKey,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Priority:    req.Priority,
		Type:        req.Type,
		Status:      StatusTodo,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TasksFromCandidates materializes extraction output for one raw item into
// unpersisted Task values carrying the origin linkage. Candidates with
// invalid fields fail the whole item; extraction output is either accepted
// wholesale or the item is retried.
func TasksFromCandidates(item RawItem, candidates []TaskCandidate) ([]Task, error) {
	tasks := make([]Task, 0, len(candidates))
	for _, cand := range candidates {
		if strings.TrimSpace(cand.Title) == "" {
			return nil, &ValidationError{Field: "title", Reason: "extraction produced empty title"}
		}
		if !cand.Priority.Valid() {
			return nil, &ValidationError{Field: "priority", Reason: "unknown priority " + string(cand.Priority)}
		}
		if !cand.Type.Valid() {
			return nil, &ValidationError{Field: "type", Reason: "unknown type " + string(cand.Type)}
		}
		now := nowRFC3339()
		tasks = append(tasks, Task{
			TaskID:           "task_" + uuid.NewString(),
			UserKey:          item.UserKey,
			Title:            strings.TrimSpace(cand.Title),
			Description:      cand.Description,
			Priority:         cand.Priority,
			Type:             cand.Type,
			Status:           StatusTodo,
			OriginSource:     item.Source,
			OriginSourceItem: item.SourceItemID,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return tasks, nil
}
