// Package persistence provides SQLite-based storage for iteration
// history. Every loop run records its iterations so past sessions can be
// inspected after the fact.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"storyloop/pkg/logx"
)

// CurrentSchemaVersion defines the current schema version for migration
// support.
const CurrentSchemaVersion = 1

// IterationRecord is one row of iteration history.
type IterationRecord struct {
	SessionID   string
	Iteration   int
	StoryID     string
	Outcome     string
	TestsPassed bool
	Duration    time.Duration
	CreatedAt   time.Time
}

// SessionSummary aggregates one recorded session.
type SessionSummary struct {
	SessionID  string
	StartedAt  time.Time
	Iterations int
}

// History is the iteration-history store. One instance per process; the
// connection pool is capped at one because SQLite supports a single
// writer.
type History struct {
	db        *sql.DB
	sessionID string
	logger    *logx.Logger
}

// Open opens (creating if needed) the history database and starts a new
// session.
func Open(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{
		db:        db,
		sessionID: uuid.New().String(),
		logger:    logx.NewLogger("persistence"),
	}
	if err := h.startSession(); err != nil {
		_ = db.Close()
		return nil, err
	}
	h.logger.Debug("history database ready: %s (session %s)", dbPath, h.sessionID)
	return h, nil
}

// SessionID returns the id assigned to this run.
func (h *History) SessionID() string {
	return h.sessionID
}

// Close closes the underlying connection.
func (h *History) Close() error {
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	return nil
}

func (h *History) startSession() error {
	_, err := h.db.Exec(
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		h.sessionID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// RecordIteration appends one iteration row for the current session.
func (h *History) RecordIteration(iteration int, storyID, outcome string, testsPassed bool, duration time.Duration) error {
	_, err := h.db.Exec(
		`INSERT INTO iterations (session_id, iteration, story_id, outcome, tests_passed, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.sessionID, iteration, storyID, outcome, testsPassed,
		duration.Milliseconds(), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record iteration: %w", err)
	}
	return nil
}

// SessionIterations returns the iteration rows for one session, oldest
// first.
func (h *History) SessionIterations(sessionID string) ([]*IterationRecord, error) {
	rows, err := h.db.Query(
		`SELECT session_id, iteration, story_id, outcome, tests_passed, duration_ms, created_at
		 FROM iterations WHERE session_id = ? ORDER BY iteration`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var records []*IterationRecord
	for rows.Next() {
		var rec IterationRecord
		var durationMS int64
		var createdAt string
		if err := rows.Scan(&rec.SessionID, &rec.Iteration, &rec.StoryID, &rec.Outcome,
			&rec.TestsPassed, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan iteration row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read iteration rows: %w", err)
	}
	return records, nil
}

// RecentSessions returns up to limit sessions, newest first, with their
// iteration counts.
func (h *History) RecentSessions(limit int) ([]*SessionSummary, error) {
	rows, err := h.db.Query(
		`SELECT s.id, s.started_at, COUNT(i.iteration)
		 FROM sessions s LEFT JOIN iterations i ON i.session_id = s.id
		 GROUP BY s.id ORDER BY s.started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionSummary
	for rows.Next() {
		var s SessionSummary
		var startedAt string
		if err := rows.Scan(&s.SessionID, &startedAt, &s.Iterations); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		s.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session rows: %w", err)
	}
	return sessions, nil
}
