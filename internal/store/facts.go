package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/toybox-ai/memoryd/internal/memory"
)

// UpsertFact inserts a fact or coalesces it onto the existing row with
// the same (user_id, subject, predicate, object) key: confidence becomes
// max(old, new) and last_seen_at is refreshed.
func (s *Store) UpsertFact(ctx context.Context, f *memory.Fact) error {
	return upsertFact(ctx, s.db, f)
}

// UpsertFact coalesces a fact inside the transaction.
func (t *Tx) UpsertFact(ctx context.Context, f *memory.Fact) error {
	return upsertFact(ctx, t.tx, f)
}

func upsertFact(ctx context.Context, q dbtx, f *memory.Fact) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO facts (id, user_id, subject, predicate, object, confidence, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, subject, predicate, object) DO UPDATE SET
			confidence = MAX(confidence, excluded.confidence),
			last_seen = excluded.last_seen
	`, f.ID, f.UserID, f.Subject, f.Predicate, f.Object, f.Confidence,
		f.CreatedAt.UTC().Format(time.RFC3339Nano),
		f.LastSeenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

// ListFacts returns a user's facts, highest confidence first. A non-empty
// subject restricts the result to that subject.
func (s *Store) ListFacts(ctx context.Context, userID, subject string) ([]memory.Fact, error) {
	return listFacts(ctx, s.db, userID, subject, 0)
}

// ListFacts returns a user's facts inside the transaction.
func (t *Tx) ListFacts(ctx context.Context, userID, subject string) ([]memory.Fact, error) {
	return listFacts(ctx, t.tx, userID, subject, 0)
}

func listFacts(ctx context.Context, q dbtx, userID, subject string, limit int) ([]memory.Fact, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, user_id, subject, predicate, object, confidence, created_at, last_seen
		FROM facts WHERE user_id = ?`)
	args := []any{userID}

	if subject != "" {
		sb.WriteString(" AND subject = ?")
		args = append(args, subject)
	}
	sb.WriteString(" ORDER BY confidence DESC, last_seen DESC, id")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []memory.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// DeleteFactsBelow removes a user's facts with confidence strictly below
// the threshold and returns how many were removed.
func (s *Store) DeleteFactsBelow(ctx context.Context, userID string, confidence float64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM facts WHERE user_id = ? AND confidence < ?
	`, userID, confidence)
	if err != nil {
		return 0, fmt.Errorf("delete facts below: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountFacts returns the number of facts stored for a user.
func (s *Store) CountFacts(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

// TrimFacts deletes the lowest-confidence facts (oldest last_seen as
// tie-break) until the user is within max. Returns how many were removed.
func (s *Store) TrimFacts(ctx context.Context, userID string, max int) (int, error) {
	count, err := s.CountFacts(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count <= max {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM facts WHERE id IN (
			SELECT id FROM facts
			WHERE user_id = ?
			ORDER BY confidence ASC, last_seen ASC, id
			LIMIT ?
		)
	`, userID, count-max)
	if err != nil {
		return 0, fmt.Errorf("trim facts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanFact(rows *sql.Rows) (*memory.Fact, error) {
	var f memory.Fact
	var createdStr, seenStr string

	err := rows.Scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object,
		&f.Confidence, &createdStr, &seenStr)
	if err != nil {
		return nil, err
	}

	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	f.LastSeenAt, _ = time.Parse(time.RFC3339Nano, seenStr)
	return &f, nil
}
