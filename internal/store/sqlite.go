package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Persister using SQLite. One database file serves a
// whole workspace; rows are keyed by session id so writers never contend
// across sessions.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed persister.
func NewSQLite(dbPath string) (Persister, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		cwd TEXT NOT NULL,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		is_tool_use INTEGER DEFAULT 0,
		tool_name TEXT,
		tool_input TEXT,
		tool_id TEXT,
		tool_result TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(type);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession creates or updates the persisted projection of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, data *domain.SessionData) error {
	query := `
	INSERT INTO sessions (id, summary, created_at, last_activity, cwd, metadata)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		summary = excluded.summary,
		last_activity = excluded.last_activity,
		metadata = excluded.metadata`

	var metadata interface{}
	if data.Metadata != "" {
		metadata = data.Metadata
	}

	_, err := s.db.ExecContext(ctx, query,
		data.ID, data.Summary,
		data.CreatedAt.Unix(), data.LastActivity.Unix(),
		data.CWD, metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session projection by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.SessionData, error) {
	query := `
		SELECT id, summary, created_at, last_activity, cwd, metadata
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	data, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return data, nil
}

// GetAllSessions retrieves every session ordered by last_activity descending.
func (s *SQLiteStore) GetAllSessions(ctx context.Context) ([]*domain.SessionData, error) {
	query := `
		SELECT id, summary, created_at, last_activity, cwd, metadata
		FROM sessions ORDER BY last_activity DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.SessionData
	for rows.Next() {
		data, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, data)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(scan func(...any) error) (*domain.SessionData, error) {
	var data domain.SessionData
	var metadata sql.NullString
	var createdAt, lastActivity int64

	if err := scan(&data.ID, &data.Summary, &createdAt, &lastActivity, &data.CWD, &metadata); err != nil {
		return nil, err
	}

	data.CreatedAt = time.Unix(createdAt, 0)
	data.LastActivity = time.Unix(lastActivity, 0)
	data.Metadata = metadata.String
	return &data, nil
}

// DeleteSession removes a session and cascades to its messages. Retries with
// exponential backoff when another connection holds the write lock.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteSessionOnce(ctx, id)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("DeleteSession hit lock contention, retrying",
				"session_id", id,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("delete session %s after %d attempts: %w", id, i+1, err)
	}
	return nil
}

func (s *SQLiteStore) deleteSessionOnce(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Delete messages explicitly so removal does not depend on the
	// per-connection foreign_keys pragma.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// SaveMessage persists a single message for a session.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg *domain.Message) error {
	return s.saveMessageExec(ctx, s.db, sessionID, msg)
}

// SaveMessages persists a batch of messages in one transaction.
func (s *SQLiteStore) SaveMessages(ctx context.Context, sessionID string, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, msg := range msgs {
		if err := s.saveMessageExec(ctx, tx, sessionID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) saveMessageExec(ctx context.Context, ex execer, sessionID string, msg *domain.Message) error {
	query := `
	INSERT INTO messages (id, session_id, type, content, timestamp, is_tool_use, tool_name, tool_input, tool_id, tool_result)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content = excluded.content,
		tool_result = excluded.tool_result`

	var toolResult interface{}
	if msg.ToolResult != nil {
		toolResult = *msg.ToolResult
	}

	_, err := ex.ExecContext(ctx, query,
		msg.ID, sessionID, string(msg.Type),
		encodeContent(msg), msg.Timestamp.UnixMilli(),
		msg.IsToolUse, nullable(msg.ToolName), nullable(msg.ToolInput),
		nullable(msg.ToolID), toolResult,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetMessages retrieves messages for a session in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT id, type, content, timestamp, is_tool_use, tool_name, tool_input, tool_id, tool_result
		FROM messages WHERE session_id = ?
		ORDER BY timestamp ASC, rowid ASC`
	args := []interface{}{sessionID}

	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var msgType, content string
		var timestamp int64
		var toolName, toolInput, toolID, toolResult sql.NullString

		if err := rows.Scan(
			&msg.ID, &msgType, &content, &timestamp,
			&msg.IsToolUse, &toolName, &toolInput, &toolID, &toolResult,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Type = domain.MessageType(msgType)
		msg.Timestamp = time.UnixMilli(timestamp)
		msg.ToolName = toolName.String
		msg.ToolInput = toolInput.String
		msg.ToolID = toolID.String
		if toolResult.Valid {
			result := toolResult.String
			msg.ToolResult = &result
		}
		decodeContent(&msg, content)

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteMessages removes all messages for a session.
func (s *SQLiteStore) DeleteMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// GetMessageCount returns the number of persisted messages for a session.
func (s *SQLiteStore) GetMessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// encodeContent serializes message content opaquely: plain text is stored as
// is, multi-modal block lists as a JSON blob.
func encodeContent(msg *domain.Message) string {
	if len(msg.Blocks) == 0 {
		return msg.Content
	}
	data, err := json.Marshal(msg.Blocks)
	if err != nil {
		slog.Warn("failed to serialize content blocks, storing text fallback", "message_id", msg.ID, "error", err)
		return msg.Content
	}
	return string(data)
}

// decodeContent restores content from its stored form, falling back to the
// raw string when the blob does not parse as a block list.
func decodeContent(msg *domain.Message, content string) {
	if strings.HasPrefix(content, "[") {
		var blocks []domain.ContentBlock
		if err := json.Unmarshal([]byte(content), &blocks); err == nil && len(blocks) > 0 && blocks[0].Type != "" {
			msg.Blocks = blocks
			return
		}
	}
	msg.Content = content
}
