// Package store persists finalized sessions in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/session"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("store: session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	exercise            TEXT NOT NULL,
	fallback_rules      INTEGER NOT NULL DEFAULT 0,
	start_time          TEXT NOT NULL,
	end_time            TEXT,
	rep_count           INTEGER NOT NULL,
	form_score_sum      REAL NOT NULL,
	form_score_count    INTEGER NOT NULL,
	average_form_score  REAL NOT NULL,
	violation_frequency TEXT NOT NULL,
	pauses              INTEGER NOT NULL,
	recording_path      TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);

CREATE TABLE IF NOT EXISTS rep_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	type        TEXT NOT NULL,
	rep_index   INTEGER NOT NULL,
	phase       TEXT,
	ts          TEXT NOT NULL,
	started_at  TEXT,
	form_score  REAL NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_rep_events_session ON rep_events(session_id, seq);
`

// Summary is a session row without its rep history.
type Summary struct {
	ID               string     `json:"id"`
	Exercise         string     `json:"exercise"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	RepCount         int        `json:"rep_count"`
	AverageFormScore float64    `json:"average_form_score"`
}

// Store manages sessions in SQLite. It implements session.Persister.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts the session and replaces its rep history atomically.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("store: session id is required")
	}
	freq, err := json.Marshal(sess.ViolationFrequency)
	if err != nil {
		return fmt.Errorf("store: marshal violation frequency: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, exercise, fallback_rules, start_time, end_time, rep_count,
			form_score_sum, form_score_count, average_form_score, violation_frequency, pauses, recording_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			exercise = excluded.exercise,
			fallback_rules = excluded.fallback_rules,
			end_time = excluded.end_time,
			rep_count = excluded.rep_count,
			form_score_sum = excluded.form_score_sum,
			form_score_count = excluded.form_score_count,
			average_form_score = excluded.average_form_score,
			violation_frequency = excluded.violation_frequency,
			pauses = excluded.pauses,
			recording_path = excluded.recording_path`,
		sess.ID, sess.Exercise, sess.FallbackRules, formatTime(sess.StartTime), formatTimePtr(sess.EndTime),
		sess.RepCount, sess.FormScoreSum, sess.FormScoreCount, sess.AverageFormScore, string(freq),
		sess.Pauses, sess.RecordingPath,
	)
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rep_events WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("store: clear rep events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rep_events (session_id, seq, type, rep_index, phase, ts, started_at, form_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare rep events: %w", err)
	}
	defer stmt.Close()

	for i, ev := range sess.RepHistory {
		var startedAt any
		if !ev.StartedAt.IsZero() {
			startedAt = formatTime(ev.StartedAt)
		}
		if _, err := stmt.ExecContext(ctx, sess.ID, i, string(ev.Type), ev.RepIndex, ev.Phase,
			formatTime(ev.Timestamp), startedAt, ev.FormScore); err != nil {
			return fmt.Errorf("store: insert rep event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetSession loads a session with its rep history.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var (
		sess      session.Session
		fallback  bool
		startStr  string
		endStr    sql.NullString
		freqJSON  string
		recording sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, exercise, fallback_rules, start_time, end_time, rep_count, form_score_sum,
			form_score_count, average_form_score, violation_frequency, pauses, recording_path
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Exercise, &fallback, &startStr, &endStr, &sess.RepCount, &sess.FormScoreSum,
		&sess.FormScoreCount, &sess.AverageFormScore, &freqJSON, &sess.Pauses, &recording)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}

	sess.FallbackRules = fallback
	sess.StartTime = parseTime(startStr)
	if endStr.Valid {
		t := parseTime(endStr.String)
		sess.EndTime = &t
	}
	sess.RecordingPath = recording.String
	if err := json.Unmarshal([]byte(freqJSON), &sess.ViolationFrequency); err != nil {
		return nil, fmt.Errorf("store: unmarshal violation frequency: %w", err)
	}
	if sess.ViolationFrequency == nil {
		sess.ViolationFrequency = make(map[string]int)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, rep_index, phase, ts, started_at, form_score
		 FROM rep_events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query rep events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev        repphase.Event
			typ       string
			phase     sql.NullString
			tsStr     string
			startedAt sql.NullString
		)
		if err := rows.Scan(&typ, &ev.RepIndex, &phase, &tsStr, &startedAt, &ev.FormScore); err != nil {
			return nil, fmt.Errorf("store: scan rep event: %w", err)
		}
		ev.Type = repphase.EventType(typ)
		ev.Phase = phase.String
		ev.Timestamp = parseTime(tsStr)
		if startedAt.Valid {
			ev.StartedAt = parseTime(startedAt.String)
		}
		sess.RepHistory = append(sess.RepHistory, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rep events: %w", err)
	}

	return &sess, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means 50.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exercise, start_time, end_time, rep_count, average_form_score
		 FROM sessions ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum      Summary
			startStr string
			endStr   sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.Exercise, &startStr, &endStr, &sum.RepCount, &sum.AverageFormScore); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sum.StartTime = parseTime(startStr)
		if endStr.Valid {
			t := parseTime(endStr.String)
			sum.EndTime = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
