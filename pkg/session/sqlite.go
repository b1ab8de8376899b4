package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// messagesSchema bootstraps the message table. One database file can hold
// the histories of many sessions; rows are scoped by session_id.
const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

// sqliteStore persists the history to a SQLite database file.
type sqliteStore struct {
	sessionID string
	path      string

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore opens the database file at path, creating it and its parent
// directory when missing, and returns a store scoped to sessionID.
func NewSQLiteStore(sessionID, path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session store directory: %w", err)
	}

	// busy_timeout covers concurrent stores writing to the same file.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(messagesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize session store schema: %w", err)
	}

	return &sqliteStore{sessionID: sessionID, path: path, db: db}, nil
}

func (s *sqliteStore) SessionID() string {
	return s.sessionID
}

// handle returns the database handle, or ErrStoreClosed after Close.
func (s *sqliteStore) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

func (s *sqliteStore) History(ctx context.Context) ([]agent.ConversationMessage, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT role, content, tool_calls, tool_call_id, tool_name
		 FROM messages WHERE session_id = ? ORDER BY id`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	defer rows.Close()

	var messages []agent.ConversationMessage
	for rows.Next() {
		var msg agent.ConversationMessage
		var toolCalls string
		if err := rows.Scan(&msg.Role, &msg.Content, &toolCalls, &msg.ToolCallID, &msg.ToolName); err != nil {
			return nil, fmt.Errorf("failed to scan session message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls for session %s: %w", s.sessionID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}

	return messages, nil
}

func (s *sqliteStore) Append(ctx context.Context, messages ...agent.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}

	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin session write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, tool_name)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare session write: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		toolCalls := ""
		if len(msg.ToolCalls) > 0 {
			encoded, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
			toolCalls = string(encoded)
		}
		if _, err := stmt.ExecContext(ctx,
			s.sessionID, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.ToolName); err != nil {
			return fmt.Errorf("failed to append session message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session write: %w", err)
	}
	return nil
}

// Close closes the database handle. Closing twice is safe.
func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
