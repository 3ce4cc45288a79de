package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/wateringctl/internal/clock"
)

// Session is one controller run.
type Session struct {
	ID        string          `json:"id"`
	StartedAt clock.Timestamp `json:"started_at"`
}

// ValveEvent is one recorded valve flip. Seq orders events within a
// session.
type ValveEvent struct {
	Seq   int64           `json:"seq"`
	At    clock.Timestamp `json:"at"`
	Valve int             `json:"valve"`
	Name  string          `json:"name"`
	On    bool            `json:"on"`
}

// BeginSession records the start of a controller run and returns its ID.
func (s *Store) BeginSession(ctx context.Context, startedAt clock.Timestamp) (string, error) {
	id := s.ids.Generate()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		id, int64(startedAt),
	)
	if err != nil {
		return "", fmt.Errorf("begin session: %w", err)
	}
	return id, nil
}

// Sessions lists every session, oldest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	out := []Session{}
	err := s.query(ctx, `
		SELECT id, started_at FROM sessions ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, func(rows *sql.Rows) error {
		var sess Session
		var at int64
		if err := rows.Scan(&sess.ID, &at); err != nil {
			return err
		}
		sess.StartedAt = clock.Timestamp(at)
		out = append(out, sess)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// RecordValveChange appends ev to session and returns the seq it was given.
// The seq in ev is ignored.
func (s *Store) RecordValveChange(ctx context.Context, session string, ev ValveEvent) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM valve_events WHERE session_id = ?`,
			session,
		).Scan(&seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO valve_events (session_id, seq, at, valve, name, is_on)
			VALUES (?, ?, ?, ?, ?, ?)
		`, session, seq, int64(ev.At), ev.Valve, ev.Name, ev.On)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("record valve change: %w", err)
	}
	return seq, nil
}

// ValveEvents returns the events of session in seq order.
//
// Returns an empty slice (not nil) if the session has no events.
func (s *Store) ValveEvents(ctx context.Context, session string) ([]ValveEvent, error) {
	out := []ValveEvent{}
	err := s.query(ctx, `
		SELECT seq, at, valve, name, is_on
		FROM valve_events
		WHERE session_id = ?
		ORDER BY seq ASC
	`, func(rows *sql.Rows) error {
		var ev ValveEvent
		var at int64
		if err := rows.Scan(&ev.Seq, &at, &ev.Valve, &ev.Name, &ev.On); err != nil {
			return err
		}
		ev.At = clock.Timestamp(at)
		out = append(out, ev)
		return nil
	}, session)
	if err != nil {
		return nil, fmt.Errorf("read valve events: %w", err)
	}
	return out, nil
}
