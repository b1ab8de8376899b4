package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// postgresConnectTimeout bounds pool creation plus schema bootstrap when a
// store opens.
const postgresConnectTimeout = 10 * time.Second

// postgresSchema bootstraps the message table. One database can hold the
// histories of many sessions; rows are scoped by session_id.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS session_messages (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	tool_name    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages (session_id, id);
`

// postgresStore persists the history to a PostgreSQL database. Each store
// holds a small connection pool; the session cache bounds how many stay open
// at once.
type postgresStore struct {
	sessionID string

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// NewPostgresStore connects to the database at dsn, bootstraps the message
// table when missing, and returns a store scoped to sessionID.
func NewPostgresStore(sessionID, dsn string) (Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresConnectTimeout)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session store DSN: %w", err)
	}
	// History reads and appends are serialized per session; two connections
	// cover the occasional overlap without hoarding server slots.
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store pool: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize session store schema: %w", err)
	}

	return &postgresStore{sessionID: sessionID, pool: pool}, nil
}

func (s *postgresStore) SessionID() string {
	return s.sessionID
}

// handle returns the pool, or ErrStoreClosed after Close.
func (s *postgresStore) handle() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.pool, nil
}

func (s *postgresStore) History(ctx context.Context) ([]agent.ConversationMessage, error) {
	pool, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx,
		`SELECT role, content, tool_calls, tool_call_id, tool_name
		 FROM session_messages WHERE session_id = $1 ORDER BY id`, s.sessionID)
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

func (s *postgresStore) Append(ctx context.Context, messages ...agent.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pool, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin session write: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, msg := range messages {
		toolCalls := ""
		if len(msg.ToolCalls) > 0 {
			encoded, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
			toolCalls = string(encoded)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_messages (session_id, role, content, tool_calls, tool_call_id, tool_name)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			s.sessionID, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.ToolName); err != nil {
			return fmt.Errorf("failed to append session message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session write: %w", err)
	}
	return nil
}

// Close releases the connection pool. Closing twice is safe.
func (s *postgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}
