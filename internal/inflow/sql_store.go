package inflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const transitionRetryLimit = 5

// SQLStore implements Store on database/sql. The same schema and statements
// run on Postgres (driver "postgres") and the embedded sqlite driver
// (driver "sqlite"): timestamps are RFC 3339 text, watermarks are unix
// nanoseconds, and claims rely on ON CONFLICT DO NOTHING against the
// primary key of processing_records.
type SQLStore struct {
	db       *sql.DB
	driver   string
	claimTTL time.Duration
}

type SQLStoreOptions struct {
	Driver   string
	DSN      string
	ClaimTTL time.Duration
}

func NewSQLStore(opts SQLStoreOptions) (*SQLStore, error) {
	driver := strings.TrimSpace(opts.Driver)
	dsn := strings.TrimSpace(opts.DSN)
	if driver == "" || dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// WAL keeps concurrent readers off the writer's lock; the busy
		// timeout covers the remaining writer contention.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=500"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	store := &SQLStore{db: db, driver: driver, claimTTL: opts.ClaimTTL}
	if store.claimTTL <= 0 {
		store.claimTTL = DefaultClaimTTL
	}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			user_key TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			origin_source TEXT NOT NULL DEFAULT '',
			origin_item_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_user_status_idx ON tasks (user_key, status)`,
		`CREATE TABLE IF NOT EXISTS processing_records (
			user_key TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			source_item_id TEXT NOT NULL,
			state TEXT NOT NULL,
			claimed_at_ns BIGINT NOT NULL DEFAULT 0,
			processed_at TEXT NOT NULL DEFAULT '',
			tasks_extracted INTEGER NOT NULL DEFAULT 0,
			source_title TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_key, source_kind, source_item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			user_key TEXT NOT NULL,
			source_kind TEXT NOT NULL,
			last_seen_ns BIGINT NOT NULL DEFAULT 0,
			items_processed INTEGER NOT NULL DEFAULT 0,
			tasks_extracted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_key, source_kind)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateTask(ctx context.Context, req NewTaskRequest) (Task, error) {
	if err := validateNewTask(req); err != nil {
		return Task{}, err
	}
	task := newTask(req)
	if err := s.insertTask(ctx, s.db, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) insertTask(ctx context.Context, db execer, task Task) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, user_key, title, description, priority, task_type,
			status, origin_source, origin_item_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.TaskID, task.UserKey, task.Title, task.Description, task.Priority,
		task.Type, task.Status, task.OriginSource, task.OriginSourceItem,
		task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *SQLStore) Transition(ctx context.Context, taskID string, to TaskStatus) (Task, error) {
	// Compare-and-set per task: the UPDATE only lands if the status we
	// validated against is still current. Losers re-read and re-validate.
	for attempt := 0; attempt < transitionRetryLimit; attempt++ {
		task, err := s.getTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if err := CheckTransition(task.Status, to); err != nil {
			return Task{}, err
		}
		updatedAt := nowRFC3339()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2
			WHERE task_id = $3 AND status = $4`,
			to, updatedAt, taskID, task.Status)
		if err != nil {
			return Task{}, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			task.Status = to
			task.UpdatedAt = updatedAt
			return task, nil
		}
	}
	return Task{}, ErrInvalidState
}

func (s *SQLStore) getTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_key, title, description, priority, task_type,
			status, origin_source, origin_item_id, created_at, updated_at
		FROM tasks WHERE task_id = $1`, taskID)
	return scanTask(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	err := row.Scan(&task.TaskID, &task.UserKey, &task.Title, &task.Description,
		&task.Priority, &task.Type, &task.Status, &task.OriginSource,
		&task.OriginSourceItem, &task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, userKey string, status TaskStatus) ([]Task, error) {
	if strings.TrimSpace(userKey) == "" {
		return nil, ErrInvalidInput
	}
	query := `
		SELECT task_id, user_key, title, description, priority, task_type,
			status, origin_source, origin_item_id, created_at, updated_at
		FROM tasks WHERE user_key = $1`
	args := []any{userKey}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, task_id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := make([]Task, 0)
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLStore) Summary(ctx context.Context, userKey string, recentLimit int) (TaskSummary, error) {
	tasks, err := s.ListTasks(ctx, userKey, "")
	if err != nil {
		return TaskSummary{}, err
	}
	return summarizeTasks(userKey, tasks, recentLimit), nil
}

func (s *SQLStore) TryClaim(ctx context.Context, userKey string, source SourceKind, itemID string) (bool, error) {
	if strings.TrimSpace(userKey) == "" || !source.Valid() || strings.TrimSpace(itemID) == "" {
		return false, ErrInvalidInput
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_records (user_key, source_kind, source_item_id, state, claimed_at_ns)
		VALUES ($1, $2, $3, 'claimed', $4)
		ON CONFLICT (user_key, source_kind, source_item_id) DO NOTHING`,
		userKey, source, itemID, now.UnixNano())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	// The key exists. Steal the claim only if it expired without being
	// finalized; a processed record is AlreadyProcessed forever.
	cutoff := now.Add(-s.claimTTL).UnixNano()
	res, err = s.db.ExecContext(ctx, `
		UPDATE processing_records SET claimed_at_ns = $1
		WHERE user_key = $2 AND source_kind = $3 AND source_item_id = $4
			AND state = 'claimed' AND claimed_at_ns < $5`,
		now.UnixNano(), userKey, source, itemID, cutoff)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) ReleaseClaim(ctx context.Context, userKey string, source SourceKind, itemID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processing_records
		WHERE user_key = $1 AND source_kind = $2 AND source_item_id = $3 AND state = 'claimed'`,
		userKey, source, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var state string
	err = s.db.QueryRowContext(ctx, `
		SELECT state FROM processing_records
		WHERE user_key = $1 AND source_kind = $2 AND source_item_id = $3`,
		userKey, source, itemID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidState
}

func (s *SQLStore) Finalize(ctx context.Context, rec ProcessingRecord, tasks []Task) error {
	if rec.ProcessedAt == "" {
		rec.ProcessedAt = nowRFC3339()
	}
	rec.TasksExtracted = len(tasks)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `
		UPDATE processing_records
		SET state = 'processed', processed_at = $1, tasks_extracted = $2, source_title = $3
		WHERE user_key = $4 AND source_kind = $5 AND source_item_id = $6 AND state = 'claimed'`,
		rec.ProcessedAt, rec.TasksExtracted, rec.SourceTitle,
		rec.UserKey, rec.Source, rec.SourceItemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrInvalidState
	}
	for _, task := range tasks {
		if err := s.insertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) GetRecord(ctx context.Context, userKey string, source SourceKind, itemID string) (ProcessingRecord, error) {
	rec := ProcessingRecord{UserKey: userKey, Source: source, SourceItemID: itemID}
	err := s.db.QueryRowContext(ctx, `
		SELECT processed_at, tasks_extracted, source_title FROM processing_records
		WHERE user_key = $1 AND source_kind = $2 AND source_item_id = $3 AND state = 'processed'`,
		userKey, source, itemID).Scan(&rec.ProcessedAt, &rec.TasksExtracted, &rec.SourceTitle)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingRecord{}, ErrNotFound
	}
	if err != nil {
		return ProcessingRecord{}, err
	}
	return rec, nil
}

func (s *SQLStore) FilterProcessed(ctx context.Context, userKey string, source SourceKind, itemIDs []string) ([]string, error) {
	if strings.TrimSpace(userKey) == "" || !source.Valid() {
		return nil, ErrInvalidInput
	}
	out := make([]string, 0, len(itemIDs))
	for _, id := range itemIDs {
		var state string
		err := s.db.QueryRowContext(ctx, `
			SELECT state FROM processing_records
			WHERE user_key = $1 AND source_kind = $2 AND source_item_id = $3`,
			userKey, source, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if state == "processed" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *SQLStore) GetCursor(ctx context.Context, userKey string, source SourceKind) (SyncCursor, error) {
	if strings.TrimSpace(userKey) == "" || !source.Valid() {
		return SyncCursor{}, ErrInvalidInput
	}
	cur := SyncCursor{UserKey: userKey, Source: source}
	var lastSeenNS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_seen_ns, items_processed, tasks_extracted FROM sync_cursors
		WHERE user_key = $1 AND source_kind = $2`,
		userKey, source).Scan(&lastSeenNS, &cur.ItemsProcessed, &cur.TasksExtracted)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return SyncCursor{}, err
	}
	if lastSeenNS > 0 {
		cur.LastSeen = time.Unix(0, lastSeenNS).UTC()
	}
	return cur, nil
}

func (s *SQLStore) AdvanceCursor(ctx context.Context, cur SyncCursor) error {
	if strings.TrimSpace(cur.UserKey) == "" || !cur.Source.Valid() {
		return ErrInvalidInput
	}
	var lastSeenNS int64
	if !cur.LastSeen.IsZero() {
		lastSeenNS = cur.LastSeen.UnixNano()
	}
	// The CASE keeps the watermark monotonic even if poll cycles race;
	// counters always accumulate.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_key, source_kind, last_seen_ns, items_processed, tasks_extracted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_key, source_kind) DO UPDATE SET
			last_seen_ns = CASE
				WHEN excluded.last_seen_ns > sync_cursors.last_seen_ns THEN excluded.last_seen_ns
				ELSE sync_cursors.last_seen_ns END,
			items_processed = sync_cursors.items_processed + excluded.items_processed,
			tasks_extracted = sync_cursors.tasks_extracted + excluded.tasks_extracted`,
		cur.UserKey, cur.Source, lastSeenNS, cur.ItemsProcessed, cur.TasksExtracted)
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
