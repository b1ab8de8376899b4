// Package history persists completed orchestration runs to a local SQLite
// database for later inspection. Only finished runs are recorded; in-flight
// state never touches the store.
package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mosaic-ai/mosaic/pkg/services"
)

//go:embed migrations
var migrationsFS embed.FS

// DefaultListLimit caps List results when the caller does not choose a limit.
const DefaultListLimit = 50

// Run is one completed orchestration run.
type Run struct {
	ID           string    `json:"id"`
	Orchestrator string    `json:"orchestrator"`
	RequestID    string    `json:"request_id,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	Query        string    `json:"query"`
	Answer       string    `json:"answer"`
	ExpertsUsed  []string  `json:"experts_used"`
	Trace        string    `json:"trace,omitempty"`
	Fallback     bool      `json:"fallback"`
	CacheHit     bool      `json:"cache_hit"`
	LatencyMS    int64     `json:"latency_ms"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// TextMasker redacts secrets from text headed for storage.
// *masking.Service satisfies it; a nil masker stores text verbatim.
type TextMasker interface {
	MaskStoredText(data string) string
}

// Store persists runs to a SQLite database file.
type Store struct {
	db     *sql.DB
	masker TextMasker
}

// Open opens the run database at path, creating it and its parent directory
// when missing, and applies pending embedded migrations.
func Open(path string, masker TextMasker) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	return &Store{db: db, masker: masker}, nil
}

// runMigrations applies all pending migrations embedded in the binary.
func runMigrations(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "history", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB the store is about to use.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Record inserts one completed run. A missing ID gets a generated UUID and a
// missing CreatedAt gets the current time; both are readable from the run
// afterwards. Query, answer, and trace text pass through the masker.
func (s *Store) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	experts := run.ExpertsUsed
	if experts == nil {
		experts = []string{}
	}
	expertsUsed, err := json.Marshal(experts)
	if err != nil {
		return fmt.Errorf("failed to encode experts for run %s: %w", run.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, orchestrator, request_id, session_id, query, answer,
		                   experts_used, trace, fallback, cache_hit, latency_ms,
		                   input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Orchestrator, run.RequestID, run.SessionID,
		s.mask(run.Query), s.mask(run.Answer),
		string(expertsUsed), s.mask(run.Trace),
		boolToInt(run.Fallback), boolToInt(run.CacheHit), run.LatencyMS,
		run.InputTokens, run.OutputTokens, run.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// List returns up to limit runs, newest first, skipping offset rows. The
// trace body is omitted from listings; Get returns it.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, orchestrator, request_id, session_id, query, answer,
		        experts_used, fallback, cache_hit, latency_ms,
		        input_tokens, output_tokens, created_at
		 FROM runs ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows, false)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}
	return runs, nil
}

// Get returns the run with the given ID including its trace body, or an
// error wrapping services.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, orchestrator, request_id, session_id, query, answer,
		        experts_used, trace, fallback, cache_hit, latency_ms,
		        input_tokens, output_tokens, created_at
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row, true)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, services.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// DeleteOlderThan removes runs created before cutoff and reports how many
// rows went away.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired runs: %w", err)
	}
	return res.RowsAffected()
}

// Count reports the number of stored runs.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) mask(text string) string {
	if s.masker == nil || text == "" {
		return text
	}
	return s.masker.MaskStoredText(text)
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner, withTrace bool) (*Run, error) {
	var (
		run         Run
		expertsUsed string
		fallback    int
		cacheHit    int
		createdAt   int64
	)

	dest := []any{
		&run.ID, &run.Orchestrator, &run.RequestID, &run.SessionID,
		&run.Query, &run.Answer, &expertsUsed,
	}
	if withTrace {
		dest = append(dest, &run.Trace)
	}
	dest = append(dest, &fallback, &cacheHit, &run.LatencyMS,
		&run.InputTokens, &run.OutputTokens, &createdAt)

	if err := sc.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if expertsUsed != "" {
		if err := json.Unmarshal([]byte(expertsUsed), &run.ExpertsUsed); err != nil {
			return nil, fmt.Errorf("failed to decode experts for run %s: %w", run.ID, err)
		}
	}
	run.Fallback = fallback != 0
	run.CacheHit = cacheHit != 0
	run.CreatedAt = time.UnixMilli(createdAt)
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
