package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/tablemesh/pos-core/internal/checklock"
	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/internal/replay"
)

// LocalStore is the terminal's durable on-disk state: the replay queue and
// the local working copies of checks. It backs every offline mode, so it
// must survive power loss mid-write; WAL mode plus a single writer keeps
// commits atomic without CGO.
type LocalStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLocalStore(path string, logger *slog.Logger) (*LocalStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", path)

	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	// SQLite supports a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent enqueue and drain.
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	d.SetConnMaxLifetime(0)

	s := &LocalStore{db: d, logger: logger}
	if err := s.createTables(); err != nil {
		d.Close()
		return nil, fmt.Errorf("create local tables: %w", err)
	}

	logger.Info("Local store initialized", "path", path)
	return s, nil
}

func (s *LocalStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS replay_queue (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at_ns INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_ns INTEGER,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_replay_created ON replay_queue(created_at_ns);
	CREATE INDEX IF NOT EXISTS idx_replay_entity ON replay_queue(entity_id, created_at_ns);

	CREATE TABLE IF NOT EXISTS checks (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		revision INTEGER NOT NULL,
		updated_at_ns INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Enqueue appends one write-ahead record. The insert commits before the
// caller proceeds, so the mutation survives a crash from this point on.
func (s *LocalStore) Enqueue(ctx context.Context, item *models.ReplayItem) error {
	query := `
		INSERT INTO replay_queue (id, entity_type, entity_id, operation, payload, created_at_ns, attempts, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		item.ID, string(item.EntityType), item.EntityID, string(item.Operation),
		string(item.Payload), item.CreatedAt.UnixNano(), item.Attempts, string(item.Status), item.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert replay item: %w", err)
	}
	return nil
}

// FetchPending returns unacknowledged items in creation order.
func (s *LocalStore) FetchPending(ctx context.Context, limit int) ([]models.ReplayItem, error) {
	query := `
		SELECT id, entity_type, entity_id, operation, payload, created_at_ns, attempts, last_attempt_ns, status, error_message
		FROM replay_queue
		ORDER BY created_at_ns ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending replay items: %w", err)
	}
	defer rows.Close()

	var items []models.ReplayItem
	for rows.Next() {
		var (
			item          models.ReplayItem
			entityType    string
			operation     string
			status        string
			payload       string
			createdNs     int64
			lastAttemptNs sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &entityType, &item.EntityID, &operation, &payload,
			&createdNs, &item.Attempts, &lastAttemptNs, &status, &item.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan replay item: %w", err)
		}
		item.EntityType = models.EntityType(entityType)
		item.Operation = models.Operation(operation)
		item.Status = models.ReplayStatus(status)
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = time.Unix(0, createdNs).UTC()
		if lastAttemptNs.Valid {
			t := time.Unix(0, lastAttemptNs.Int64).UTC()
			item.LastAttemptAt = &t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkCompleted removes the acknowledged item from the queue.
func (s *LocalStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove replay item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replay item %s not found", id)
	}
	return nil
}

// MarkFailed records the attempt and keeps the item. There is no retry cap.
func (s *LocalStore) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error {
	query := `
		UPDATE replay_queue
		SET attempts = attempts + 1,
		    status = 'failed',
		    error_message = ?,
		    last_attempt_ns = ?
		WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, errMsg, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("record replay failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replay item %s not found", id)
	}
	return nil
}

func (s *LocalStore) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replay_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count replay backlog: %w", err)
	}
	return n, nil
}

// GetCheck returns the local working copy, or nil when unknown.
func (s *LocalStore) GetCheck(ctx context.Context, id string) (*models.Check, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM checks WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load check %s: %w", id, err)
	}

	var check models.Check
	if err := json.Unmarshal([]byte(body), &check); err != nil {
		return nil, fmt.Errorf("decode check %s: %w", id, err)
	}
	return &check, nil
}

// SaveCheck upserts the working copy and bumps its revision.
func (s *LocalStore) SaveCheck(ctx context.Context, check *models.Check) error {
	check.Revision++
	check.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("encode check %s: %w", check.ID, err)
	}

	query := `
		INSERT INTO checks (id, body, revision, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			revision = excluded.revision,
			updated_at_ns = excluded.updated_at_ns`

	if _, err := s.db.ExecContext(ctx, query, check.ID, string(body), check.Revision, check.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("save check %s: %w", check.ID, err)
	}
	return nil
}

func (s *LocalStore) DeleteCheck(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete check %s: %w", id, err)
	}
	return nil
}

// Stats reports queue depth and database size for diagnostics.
func (s *LocalStore) Stats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var backlog int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replay_queue`).Scan(&backlog); err != nil {
		return nil, err
	}
	stats["replay_backlog"] = backlog

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at_ns) FROM replay_queue`).Scan(&oldest); err == nil && oldest.Valid {
		stats["oldest_pending"] = time.Unix(0, oldest.Int64).UTC()
	}

	var pageCount, pageSize int64
	s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount)
	s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize)
	stats["db_size_bytes"] = pageCount * pageSize

	return stats, nil
}

func (s *LocalStore) Close() error {
	return s.db.Close()
}

var (
	_ replay.Store         = (*LocalStore)(nil)
	_ checklock.CheckStore = (*LocalStore)(nil)
)
