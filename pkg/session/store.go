// Package session provides conversation history stores for expert workers.
//
// A store holds the message history of one conversation, identified by a
// session ID. Three persistence modes exist: in-memory stores that live for
// the process lifetime, file-backed stores persisted to a SQLite database
// file where several session IDs can share one file, and postgres-backed
// stores sharing one server-side database. Stores are handed out through a
// Cache keyed by (mode, session ID, path) so that repeated lookups with an
// equal key observe the same history.
package session

import (
	"context"
	"errors"

	"github.com/mosaic-ai/mosaic/pkg/agent"
)

// MemoryPath is the pseudo-path used in cache keys for in-memory stores.
const MemoryPath = ":memory:"

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("session store is closed")

// Mode selects how a store persists its messages.
type Mode string

const (
	// ModeMemory keeps messages in process memory.
	ModeMemory Mode = "in-memory"
	// ModeFile persists messages to a SQLite database file.
	ModeFile Mode = "file-backed"
	// ModePostgres persists messages to a PostgreSQL database.
	ModePostgres Mode = "postgres"
)

// Key identifies one session store in the cache. Path is the database file
// for file-backed stores, the DSN for postgres stores, and MemoryPath for
// in-memory ones.
type Key struct {
	Mode      Mode
	SessionID string
	Path      string
}

// MemoryKey builds the cache key for an in-memory store.
func MemoryKey(sessionID string) Key {
	return Key{Mode: ModeMemory, SessionID: sessionID, Path: MemoryPath}
}

// FileKey builds the cache key for a file-backed store at the given path.
func FileKey(sessionID, path string) Key {
	return Key{Mode: ModeFile, SessionID: sessionID, Path: path}
}

// PostgresKey builds the cache key for a postgres-backed store at the given
// DSN.
func PostgresKey(sessionID, dsn string) Key {
	return Key{Mode: ModePostgres, SessionID: sessionID, Path: dsn}
}

// Store holds the conversation history of one session.
// Implementations are safe for concurrent use.
type Store interface {
	// SessionID returns the session this store belongs to.
	SessionID() string

	// History returns all messages recorded so far, oldest first.
	History(ctx context.Context) ([]agent.ConversationMessage, error)

	// Append records messages at the end of the history.
	Append(ctx context.Context, messages ...agent.ConversationMessage) error

	// Close releases store resources. Operations after Close fail with
	// ErrStoreClosed.
	Close() error
}
