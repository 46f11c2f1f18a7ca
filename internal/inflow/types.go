package inflow

import (
	"strings"
	"time"
)

// SourceKind identifies one of the three external activity sources. The set
// is closed: adapters dispatch on it explicitly rather than sniffing payload
// shape.
type SourceKind string

const (
	SourceMeeting       SourceKind = "meeting"
	SourceChat          SourceKind = "chat"
	SourceWorkspacePage SourceKind = "workspace_page"
)

func (k SourceKind) Valid() bool {
	switch k {
	case SourceMeeting, SourceChat, SourceWorkspacePage:
		return true
	default:
		return false
	}
}

type TaskStatus string

const (
	StatusTodo       TaskStatus = "TODO"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusWaiting    TaskStatus = "WAITING"
	StatusDone       TaskStatus = "DONE"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusWaiting, StatusDone:
		return true
	default:
		return false
	}
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

type TaskType string

const (
	TypeAction   TaskType = "action"
	TypeFollowUp TaskType = "follow_up"
	TypeDecision TaskType = "decision"
	TypeResearch TaskType = "research"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeAction, TypeFollowUp, TypeDecision, TypeResearch:
		return true
	default:
		return false
	}
}

// RawItem is the normalized, transient representation of one unit of source
// activity. It is produced by an adapter, consumed by the orchestrator, and
// never persisted.
type RawItem struct {
	UserKey      string
	Source       SourceKind
	SourceItemID string
	Title        string
	Text         string
	OccurredAt   time.Time
	Metadata     map[string]string
}

func (it RawItem) validate() error {
	if strings.TrimSpace(it.UserKey) == "" {
		return ErrInvalidInput
	}
	if !it.Source.Valid() {
		return ErrInvalidInput
	}
	if strings.TrimSpace(it.SourceItemID) == "" {
		return ErrInvalidInput
	}
	return nil
}

// TaskCandidate is an unpersisted proposal produced by the extraction
// capability.
type TaskCandidate struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority"`
	Type        TaskType     `json:"type"`
}

// Task is a board record. Status moves only along the edges enforced by
// AllowedTransition; everything else is immutable after creation except
// UpdatedAt.
type Task struct {
	TaskID           string       `json:"taskId"`
	UserKey          string       `json:"userKey"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Priority         TaskPriority `json:"priority"`
	Type             TaskType     `json:"type"`
	Status           TaskStatus   `json:"status"`
	OriginSource     SourceKind   `json:"originSourceKind,omitempty"`
	OriginSourceItem string       `json:"originSourceItemId,omitempty"`
	CreatedAt        string       `json:"createdAt"`
	UpdatedAt        string       `json:"updatedAt"`
}

// NewTaskRequest carries caller-supplied fields for direct task creation.
type NewTaskRequest struct {
	UserKey     string       `json:"userKey"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Priority    TaskPriority `json:"priority"`
	Type        TaskType     `json:"type"`
}

// ProcessingRecord is one idempotency-ledger entry, keyed by
// (userKey, source, sourceItemId). At most one exists per key triple; the
// uniqueness constraint in the store enforces this across racing workers.
type ProcessingRecord struct {
	UserKey        string     `json:"userKey"`
	Source         SourceKind `json:"sourceKind"`
	SourceItemID   string     `json:"sourceItemId"`
	SourceTitle    string     `json:"sourceTitle,omitempty"`
	ProcessedAt    string     `json:"processedAt"`
	TasksExtracted int        `json:"tasksExtractedCount"`
}

// SyncCursor is the durable watermark for a polled source. It never moves
// backward.
type SyncCursor struct {
	UserKey        string     `json:"userKey"`
	Source         SourceKind `json:"sourceKind"`
	LastSeen       time.Time  `json:"lastSeenTimestamp"`
	ItemsProcessed int        `json:"itemsProcessed"`
	TasksExtracted int        `json:"tasksExtracted"`
}

// ItemResult is the orchestrator outcome for a single raw item.
type ItemResult struct {
	Outcome      string `json:"status"`
	SourceItemID string `json:"sourceItemId"`
	TasksCreated int    `json:"tasksCreated"`
}

const (
	OutcomeProcessed        = "processed"
	OutcomeAlreadyProcessed = "already_processed"
)

// PollResult summarizes one chat poll cycle. Partial means at least one
// item failed and the cursor was left where it was; the next poll re-reads
// the window and the ledger short-circuits what already succeeded. HasMore
// means the feed truncated the page and the trigger should poll again
// without waiting for the next schedule tick.
type PollResult struct {
	ItemsProcessed int       `json:"itemsProcessed"`
	TasksExtracted int       `json:"tasksExtracted"`
	Cursor         time.Time `json:"cursor"`
	Partial        bool      `json:"partial"`
	HasMore        bool      `json:"hasMore,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// PushResult aggregates the outcomes of one webhook delivery.
type PushResult struct {
	Status       string       `json:"status"`
	TasksCreated int          `json:"tasksCreated"`
	Items        []ItemResult `json:"items,omitempty"`
}

// TaskSummary is the read-only reporting shape: counts by status plus a
// bounded sample of recently updated tasks.
type TaskSummary struct {
	UserKey  string             `json:"userKey"`
	ByStatus map[TaskStatus]int `json:"byStatus"`
	Total    int                `json:"total"`
	Recent   []Task             `json:"recent"`
}

// timestampLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing fractional zeros, which makes lexicographic order of the
// stored strings diverge from chronological order at sub-second
// granularity; the stores sort and compare these strings directly.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

func nowRFC3339() string {
	return formatTimestamp(time.Now())
}
