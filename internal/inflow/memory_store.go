package inflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type ledgerState string

const (
	ledgerClaimed   ledgerState = "claimed"
	ledgerProcessed ledgerState = "processed"
)

type ledgerEntry struct {
	state     ledgerState
	claimedAt time.Time
	record    ProcessingRecord
}

// MemoryStore is the mutex-guarded in-process Store. It backs tests and the
// memory:// profile; the durable deployments use the SQL store.
type MemoryStore struct {
	mu       sync.Mutex
	claimTTL time.Duration
	tasks    map[string]Task
	ledger   map[string]*ledgerEntry
	cursors  map[string]SyncCursor
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithTTL(DefaultClaimTTL)
}

func NewMemoryStoreWithTTL(claimTTL time.Duration) *MemoryStore {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &MemoryStore{
		claimTTL: claimTTL,
		tasks:    map[string]Task{},
		ledger:   map[string]*ledgerEntry{},
		cursors:  map[string]SyncCursor{},
	}
}

func ledgerKey(userKey string, source SourceKind, itemID string) string {
	return userKey + "|" + string(source) + "|" + itemID
}

func cursorKey(userKey string, source SourceKind) string {
	return userKey + "|" + string(source)
}

func (s *MemoryStore) CreateTask(ctx context.Context, req NewTaskRequest) (Task, error) {
	if err := validateNewTask(req); err != nil {
		return Task{}, err
	}
	task := newTask(req)
	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.mu.Unlock()
	return task, nil
}

func (s *MemoryStore) Transition(ctx context.Context, taskID string, to TaskStatus) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if err := CheckTransition(task.Status, to); err != nil {
		return Task{}, err
	}
	task.Status = to
	task.UpdatedAt = nowRFC3339()
	s.tasks[taskID] = task
	return task, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, userKey string, status TaskStatus) ([]Task, error) {
	if strings.TrimSpace(userKey) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0)
	for _, task := range s.tasks {
		if task.UserKey != userKey {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, task)
	}
	sortTasksByUpdatedDesc(out)
	return out, nil
}

func (s *MemoryStore) Summary(ctx context.Context, userKey string, recentLimit int) (TaskSummary, error) {
	tasks, err := s.ListTasks(ctx, userKey, "")
	if err != nil {
		return TaskSummary{}, err
	}
	return summarizeTasks(userKey, tasks, recentLimit), nil
}

func (s *MemoryStore) TryClaim(ctx context.Context, userKey string, source SourceKind, itemID string) (bool, error) {
	if strings.TrimSpace(userKey) == "" || !source.Valid() || strings.TrimSpace(itemID) == "" {
		return false, ErrInvalidInput
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey(userKey, source, itemID)
	entry, exists := s.ledger[key]
	if exists {
		if entry.state == ledgerClaimed && now.Sub(entry.claimedAt) > s.claimTTL {
			entry.claimedAt = now
			return true, nil
		}
		return false, nil
	}
	s.ledger[key] = &ledgerEntry{state: ledgerClaimed, claimedAt: now}
	return true, nil
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, userKey string, source SourceKind, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey(userKey, source, itemID)
	entry, ok := s.ledger[key]
	if !ok {
		return ErrNotFound
	}
	if entry.state != ledgerClaimed {
		return ErrInvalidState
	}
	delete(s.ledger, key)
	return nil
}

func (s *MemoryStore) Finalize(ctx context.Context, rec ProcessingRecord, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey(rec.UserKey, rec.Source, rec.SourceItemID)
	entry, ok := s.ledger[key]
	if !ok || entry.state != ledgerClaimed {
		return ErrInvalidState
	}
	if rec.ProcessedAt == "" {
		rec.ProcessedAt = nowRFC3339()
	}
	rec.TasksExtracted = len(tasks)
	for _, task := range tasks {
		s.tasks[task.TaskID] = task
	}
	entry.state = ledgerProcessed
	entry.record = rec
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, userKey string, source SourceKind, itemID string) (ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.ledger[ledgerKey(userKey, source, itemID)]
	if !ok || entry.state != ledgerProcessed {
		return ProcessingRecord{}, ErrNotFound
	}
	return entry.record, nil
}

func (s *MemoryStore) FilterProcessed(ctx context.Context, userKey string, source SourceKind, itemIDs []string) ([]string, error) {
	if strings.TrimSpace(userKey) == "" || !source.Valid() {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		if entry, ok := s.ledger[ledgerKey(userKey, source, id)]; ok && entry.state == ledgerProcessed {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCursor(ctx context.Context, userKey string, source SourceKind) (SyncCursor, error) {
	if strings.TrimSpace(userKey) == "" || !source.Valid() {
		return SyncCursor{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[cursorKey(userKey, source)]
	if !ok {
		return SyncCursor{UserKey: userKey, Source: source}, nil
	}
	return cur, nil
}

func (s *MemoryStore) AdvanceCursor(ctx context.Context, cur SyncCursor) error {
	if strings.TrimSpace(cur.UserKey) == "" || !cur.Source.Valid() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey(cur.UserKey, cur.Source)
	existing, ok := s.cursors[key]
	if ok && !cur.LastSeen.After(existing.LastSeen) {
		// Watermark never regresses.
		existing.ItemsProcessed += cur.ItemsProcessed
		existing.TasksExtracted += cur.TasksExtracted
		s.cursors[key] = existing
		return nil
	}
	if ok {
		cur.ItemsProcessed += existing.ItemsProcessed
		cur.TasksExtracted += existing.TasksExtracted
	}
	s.cursors[key] = cur
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortTasksByUpdatedDesc(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].UpdatedAt != tasks[j].UpdatedAt {
			return tasks[i].UpdatedAt > tasks[j].UpdatedAt
		}
		return tasks[i].TaskID < tasks[j].TaskID
	})
}

func summarizeTasks(userKey string, tasks []Task, recentLimit int) TaskSummary {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	summary := TaskSummary{
		UserKey: userKey,
		ByStatus: map[TaskStatus]int{
			StatusTodo:       0,
			StatusInProgress: 0,
			StatusWaiting:    0,
			StatusDone:       0,
		},
	}
	for _, task := range tasks {
		summary.ByStatus[task.Status]++
		summary.Total++
	}
	if len(tasks) > recentLimit {
		tasks = tasks[:recentLimit]
	}
	summary.Recent = tasks
	return summary
}
