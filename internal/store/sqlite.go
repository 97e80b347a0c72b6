// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: WAL mode, automatic schema creation, upsert-based checkpoints

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/loom/internal/conversation"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema
// is automatically created if it doesn't exist. Parent directories are
// created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent read behavior while conversations write
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			task_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			ended INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_events (
			event_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			item_id TEXT,
			status TEXT,
			payload BLOB,
			timestamp DATETIME NOT NULL,
			FOREIGN KEY (task_id) REFERENCES conversations(task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_task_seq
			ON conversation_events(task_id, sequence_number);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (task_id) REFERENCES conversations(task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_task_created
			ON conversation_messages(task_id, created_at);

		CREATE TABLE IF NOT EXISTS checkpoints (
			task_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateConversation records a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, taskID, agentID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (task_id, agent_id, ended, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`,
		taskID, agentID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves one conversation row.
func (s *SQLiteStore) GetConversation(ctx context.Context, taskID string) (*ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, agent_id, ended, created_at, updated_at
		FROM conversations WHERE task_id = ?`, taskID)

	rec := &ConversationRecord{}
	var ended int
	var createdAt, updatedAt string
	err := row.Scan(&rec.TaskID, &rec.AgentID, &ended, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	rec.Ended = ended != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}

// ListConversations returns all stored conversations.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]conversation.TaskRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, ended FROM conversations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var refs []conversation.TaskRef
	for rows.Next() {
		var ref conversation.TaskRef
		var ended int
		if err := rows.Scan(&ref.TaskID, &ref.AgentID, &ended); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		ref.Ended = ended != 0
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// MarkEnded flags a conversation terminal.
func (s *SQLiteStore) MarkEnded(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET ended = 1, updated_at = ? WHERE task_id = ?`,
		time.Now().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("marking conversation ended: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveEvent persists one response event. Re-saving an existing event id is
// a no-op so re-delivered events stay idempotent at the storage layer too.
func (s *SQLiteStore) SaveEvent(ctx context.Context, taskID string, ev *conversation.ResponseEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversation_events
			(event_id, task_id, kind, sequence_number, item_id, status, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, taskID, string(ev.Kind), ev.SequenceNumber, ev.ItemID, ev.Status,
		[]byte(ev.Payload), ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved event",
		"event_id", ev.ID,
		"task_id", taskID,
		"kind", ev.Kind,
	)
	return nil
}

// UpdateEventStatus sets the terminal status on a persisted event.
func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, taskID, eventID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_events SET status = ? WHERE event_id = ? AND task_id = ?`,
		status, eventID, taskID)
	if err != nil {
		return fmt.Errorf("updating event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEventsByTask returns events ordered by sequence number ascending.
func (s *SQLiteStore) ListEventsByTask(ctx context.Context, taskID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, kind, sequence_number, item_id, status, payload, timestamp
		FROM conversation_events
		WHERE task_id = ?
		ORDER BY sequence_number ASC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		rec := &EventRecord{}
		var itemID, status sql.NullString
		var ts string
		if err := rows.Scan(&rec.EventID, &rec.TaskID, &rec.Kind, &rec.SequenceNumber,
			&itemID, &status, &rec.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.ItemID = itemID.String
		rec.Status = status.String
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, rec)
	}
	return events, rows.Err()
}

// SaveMessage persists one message-log entry.
func (s *SQLiteStore) SaveMessage(ctx context.Context, taskID string, msg conversation.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (id, task_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, string(msg.Role), msg.Content,
		time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessagesByTask returns messages in arrival order.
func (s *SQLiteStore) ListMessagesByTask(ctx context.Context, taskID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, role, content, created_at
		FROM conversation_messages
		WHERE task_id = ?
		ORDER BY created_at ASC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*MessageRecord
	for rows.Next() {
		rec := &MessageRecord{}
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Role, &rec.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		messages = append(messages, rec)
	}
	return messages, rows.Err()
}

// SaveCheckpoint upserts the full state blob for a task.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, taskID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		taskID, state, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves the latest state blob for a task.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, taskID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM checkpoints WHERE task_id = ?`, taskID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, conversation.ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return blob, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation detects primary-key conflicts without importing the
// driver's error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
