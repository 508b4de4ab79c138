package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toybox-ai/memoryd/internal/memory"
)

// SaveSession writes or replaces a session row, including its ring buffer
// contents, so an unfinished session survives a restart.
func (s *Store) SaveSession(ctx context.Context, sess *memory.Session) error {
	msgs, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	var ended any
	if sess.EndedAt != nil {
		ended = sess.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, state, started_at, ended_at, updated_at, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at,
			messages = excluded.messages
	`, sess.ID, sess.UserID, string(sess.State),
		sess.StartedAt.UTC().Format(time.RFC3339Nano), ended,
		time.Now().UTC().Format(time.RFC3339Nano), string(msgs))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*memory.Session, error) {
	return s.scanSessionRow(s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, state, started_at, ended_at, messages
		FROM sessions WHERE session_id = ?
	`, id))
}

// GetActiveSession returns the user's active session, or (nil, nil) when
// none exists.
func (s *Store) GetActiveSession(ctx context.Context, userID string) (*memory.Session, error) {
	sess, err := s.scanSessionRow(s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, state, started_at, ended_at, messages
		FROM sessions WHERE user_id = ? AND state = ?
		ORDER BY started_at DESC LIMIT 1
	`, userID, string(memory.SessionActive)))
	if err == ErrNotFound {
		return nil, nil
	}
	return sess, err
}

// ListActiveSessions returns every session still in the active state,
// oldest first. Used to restore in-memory sessions after a restart.
func (s *Store) ListActiveSessions(ctx context.Context) ([]memory.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, state, started_at, ended_at, messages
		FROM sessions WHERE state = ?
		ORDER BY started_at
	`, string(memory.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []memory.Session
	for rows.Next() {
		var sess memory.Session
		var state, startedStr, msgs string
		var endedStr sql.NullString
		if err := rows.Scan(&sess.ID, &sess.UserID, &state, &startedStr, &endedStr, &msgs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.State = memory.SessionState(state)
		sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		if endedStr.Valid {
			t, _ := time.Parse(time.RFC3339Nano, endedStr.String)
			sess.EndedAt = &t
		}
		if err := json.Unmarshal([]byte(msgs), &sess.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MarkSessionEnded transitions a session to the ended state.
func (s *Store) MarkSessionEnded(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, ended_at = ?, updated_at = ?
		WHERE session_id = ?
	`, string(memory.SessionEnded),
		endedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	return nil
}

// DeleteSessionsBefore removes sessions not touched since the cutoff and
// returns how many were removed. Used by the cleanup sweep.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE updated_at < ?
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("delete old sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PersistMessage appends a raw message row. Only called when debug
// retention is enabled; working memory does not depend on it.
func (s *Store) PersistMessage(ctx context.Context, m *memory.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (session_id, seq, role, text, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, m.SessionID, m.Seq, string(m.Role), m.Text, m.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func (s *Store) scanSessionRow(row *sql.Row) (*memory.Session, error) {
	var sess memory.Session
	var state, startedStr, msgs string
	var endedStr sql.NullString

	err := row.Scan(&sess.ID, &sess.UserID, &state, &startedStr, &endedStr, &msgs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	sess.State = memory.SessionState(state)
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if endedStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedStr.String)
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(msgs), &sess.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &sess, nil
}
