// Package archive persists explained cycles into a local sqlite database.
// The proof log is the authoritative audit trail; the archive exists for
// long-horizon queries (what ran where, how often, with what outcome) that
// would otherwise mean scanning jsonl.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/clawinfra/opsclaw/internal/types"
)

// Entry is one archived cycle.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Env          string    `json:"env"`
	Entity       string    `json:"entity"`
	Action       string    `json:"action"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"`
	Reason       string    `json:"reason"`
	Explanation  string    `json:"explanation"`
	Status       string    `json:"status"`
	SystemStable bool      `json:"system_stable"`
}

// Store is the sqlite-backed decision archive.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// Open creates or opens the archive database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}

	// WAL mode for concurrent readers while the loop writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: wal mode: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "archive")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id            TEXT PRIMARY KEY,
			ts            INTEGER NOT NULL,
			env           TEXT NOT NULL,
			entity        TEXT NOT NULL,
			action        TEXT NOT NULL,
			confidence    REAL NOT NULL,
			source        TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			explanation   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			system_stable INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_env ON decisions(env, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_entity ON decisions(entity, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Insert archives one completed cycle.
func (s *Store) Insert(ctx context.Context, env types.Env, entity string, d types.Decision, outcome types.ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, ts, env, entity, action, confidence, source, reason, explanation, status, system_stable)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ts.UnixMilli(), string(env), entity,
		d.Action.String(), d.Confidence, string(d.Source), d.Reason, d.Explanation,
		string(outcome.Result.Status), boolInt(outcome.SystemStable))
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Recent returns the newest entries for env, newest first.
func (s *Store) Recent(ctx context.Context, env types.Env, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, env, entity, action, confidence, source, reason, explanation, status, system_stable
		 FROM decisions WHERE env = ? ORDER BY ts DESC LIMIT ?`, string(env), limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var stable int
		if err := rows.Scan(&e.ID, &ts, &e.Env, &e.Entity, &e.Action, &e.Confidence,
			&e.Source, &e.Reason, &e.Explanation, &e.Status, &stable); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.SystemStable = stable != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActionCounts returns how often each action was decided in env.
func (s *Store) ActionCounts(ctx context.Context, env types.Env) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM decisions WHERE env = ? GROUP BY action`, string(env))
	if err != nil {
		return nil, fmt.Errorf("archive: query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out[action] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
