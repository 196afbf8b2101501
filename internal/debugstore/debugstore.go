// Package debugstore implements the optional sqlite-backed audit sink
// named in SPEC_FULL.md's domain stack: a side channel that persists
// every plan decision and every send outcome (committed or cancelled,
// without the reply text) per session for post-hoc operator
// inspection. Rows are never pruned. It is never read back by the orchestrator —
// spec.md §3/§9 mandate that orchestration state itself (session,
// debounce, energy, activity) stays in-memory and resets on restart;
// this store only gives an operator a durable trail of what the bot
// decided and said, independent of that in-memory state.
//
// Grounded on internal/scheduler/store.go's sqlite-backed store idiom
// (sql.Open + migrate-on-open, uuid.NewV7 row IDs), using the pure-Go
// modernc.org/sqlite driver in place of the teacher's cgo
// github.com/mattn/go-sqlite3 (see DESIGN.md).
package debugstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nugget/chatwarden/internal/events"
)

// PlanRecord is one planner decision captured for audit.
type PlanRecord struct {
	ID         string
	SessionKey string
	Mode       string
	ShouldReply bool
	Probability float64
	Reason     string
	CreatedAt  time.Time
}

// SendRecord is one dispatched (or cancelled) send-pipeline outcome.
type SendRecord struct {
	ID         string
	SessionKey string
	Text       string
	Sent       bool
	Cancelled  bool
	CreatedAt  time.Time
}

// Store persists PlanRecords and SendRecords to a sqlite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens a debugstore database at path, creating its
// schema if absent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("debugstore: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("debugstore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plan_records (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		mode TEXT NOT NULL,
		should_reply INTEGER NOT NULL,
		probability REAL NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plan_records_session ON plan_records(session_key, created_at);

	CREATE TABLE IF NOT EXISTS send_records (
		id TEXT PRIMARY KEY,
		session_key TEXT NOT NULL,
		text TEXT NOT NULL,
		sent INTEGER NOT NULL,
		cancelled INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_send_records_session ON send_records(session_key, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// newID generates a UUIDv7 row identifier, falling back to v4 if the
// time-ordered variant fails to generate.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// RecordPlan appends a planner-decision audit row.
func (s *Store) RecordPlan(r PlanRecord) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO plan_records (id, session_key, mode, should_reply, probability, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionKey, r.Mode, boolToInt(r.ShouldReply), r.Probability, r.Reason, r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("debugstore: record plan: %w", err)
	}
	return nil
}

// RecordSend appends a send-pipeline-outcome audit row.
func (s *Store) RecordSend(r SendRecord) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO send_records (id, session_key, text, sent, cancelled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionKey, r.Text, boolToInt(r.Sent), boolToInt(r.Cancelled), r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("debugstore: record send: %w", err)
	}
	return nil
}

// RecentPlans returns the most recent limit plan records for key,
// newest first.
func (s *Store) RecentPlans(sessionKey string, limit int) ([]PlanRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_key, mode, should_reply, probability, reason, created_at
		 FROM plan_records WHERE session_key = ? ORDER BY created_at DESC LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("debugstore: query plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		var r PlanRecord
		var shouldReply int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.Mode, &shouldReply, &r.Probability, &r.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("debugstore: scan plan: %w", err)
		}
		r.ShouldReply = shouldReply != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentSends returns the most recent limit send records for key,
// newest first.
func (s *Store) RecentSends(sessionKey string, limit int) ([]SendRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_key, text, sent, cancelled, created_at
		 FROM send_records WHERE session_key = ? ORDER BY created_at DESC LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("debugstore: query sends: %w", err)
	}
	defer rows.Close()

	var out []SendRecord
	for rows.Next() {
		var r SendRecord
		var sent, cancelled int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SessionKey, &r.Text, &sent, &cancelled, &createdAt); err != nil {
			return nil, fmt.Errorf("debugstore: scan send: %w", err)
		}
		r.Sent = sent != 0
		r.Cancelled = cancelled != 0
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run subscribes to bus and persists every plan-decision and
// send-outcome event until ctx is cancelled. It is meant to run in its
// own goroutine for the lifetime of the process, adapted from
// internal/mqtt/subscriber.go's subscribe-and-consume loop.
func (s *Store) Run(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	if bus == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ch := bus.Subscribe(128)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ev, logger)
		}
	}
}

func (s *Store) handle(ev events.Event, logger *slog.Logger) {
	key, _ := ev.Data["session_key"].(string)
	if key == "" {
		return
	}

	switch {
	case ev.Source == events.SourcePlanner && ev.Kind == events.KindPlanDecision:
		mode, _ := ev.Data["mode"].(string)
		shouldReply, _ := ev.Data["should_reply"].(bool)
		probability, _ := ev.Data["probability"].(float64)
		reason, _ := ev.Data["reason"].(string)
		if err := s.RecordPlan(PlanRecord{
			SessionKey:  key,
			Mode:        mode,
			ShouldReply: shouldReply,
			Probability: probability,
			Reason:      reason,
			CreatedAt:   ev.Timestamp,
		}); err != nil {
			logger.Debug("debugstore: record plan failed", "error", err)
		}
	case ev.Source == events.SourceSend && ev.Kind == events.KindSendCancelled:
		if err := s.RecordSend(SendRecord{
			SessionKey: key,
			Cancelled:  true,
			CreatedAt:  ev.Timestamp,
		}); err != nil {
			logger.Debug("debugstore: record send failed", "error", err)
		}
	case ev.Source == events.SourceReply && ev.Kind == events.KindReplyCommitted:
		if err := s.RecordSend(SendRecord{
			SessionKey: key,
			Sent:       true,
			CreatedAt:  ev.Timestamp,
		}); err != nil {
			logger.Debug("debugstore: record send failed", "error", err)
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
