package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/toybox-ai/memoryd/internal/memory"
)

// EpisodeOrder selects the ordering for ListEpisodes.
type EpisodeOrder int

const (
	// ByImportanceDesc orders by importance, most important first.
	ByImportanceDesc EpisodeOrder = iota
	// ByRecentDesc orders by last access, most recent first.
	ByRecentDesc
)

// EpisodeFilter narrows and orders a ListEpisodes call. Zero value means
// all episodes for the user, most important first, no limit.
type EpisodeFilter struct {
	// Keywords matches episodes whose keyword set or summary contains any
	// of the given terms.
	Keywords []string
	// Since/Until bound created_at when non-zero.
	Since time.Time
	Until time.Time
	Order EpisodeOrder
	Limit int
}

// InsertEpisode inserts an episode, replacing any row with the same id.
// The replace semantics make import an upsert.
func (s *Store) InsertEpisode(ctx context.Context, ep *memory.Episode) error {
	return insertEpisode(ctx, s.db, ep)
}

// InsertEpisode inserts an episode inside the transaction.
func (t *Tx) InsertEpisode(ctx context.Context, ep *memory.Episode) error {
	return insertEpisode(ctx, t.tx, ep)
}

func insertEpisode(ctx context.Context, q dbtx, ep *memory.Episode) error {
	keywords, err := json.Marshal(ep.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO episodes
			(id, user_id, summary, keywords, emotion, importance, access_count, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.UserID, ep.Summary, string(keywords), ep.Emotion, ep.Importance, ep.AccessCount,
		ep.CreatedAt.UTC().Format(time.RFC3339Nano),
		ep.LastAccessedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// UpdateEpisodeAccess increments an episode's access count and stamps its
// last access time.
func (s *Store) UpdateEpisodeAccess(ctx context.Context, id string, now time.Time) error {
	return updateEpisodeAccess(ctx, s.db, id, now)
}

// TouchEpisodes bumps access bookkeeping for the given episodes inside
// the transaction, so retrieval reads and their side effect commit
// together.
func (t *Tx) TouchEpisodes(ctx context.Context, ids []string, now time.Time) error {
	for _, id := range ids {
		if err := updateEpisodeAccess(ctx, t.tx, id, now); err != nil {
			return err
		}
	}
	return nil
}

func updateEpisodeAccess(ctx context.Context, q dbtx, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE episodes
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update episode access: %w", err)
	}
	return nil
}

// DeleteEpisodes removes the given episodes. Missing ids are ignored.
func (s *Store) DeleteEpisodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete episodes: %w", err)
	}
	return nil
}

// CountEpisodes returns the number of episodes stored for a user.
func (s *Store) CountEpisodes(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episodes WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count episodes: %w", err)
	}
	return n, nil
}

// ListEpisodes returns a user's episodes matching the filter.
func (s *Store) ListEpisodes(ctx context.Context, userID string, f EpisodeFilter) ([]memory.Episode, error) {
	return listEpisodes(ctx, s.db, userID, f)
}

// ListEpisodes returns a user's episodes matching the filter inside the
// transaction.
func (t *Tx) ListEpisodes(ctx context.Context, userID string, f EpisodeFilter) ([]memory.Episode, error) {
	return listEpisodes(ctx, t.tx, userID, f)
}

func listEpisodes(ctx context.Context, q dbtx, userID string, f EpisodeFilter) ([]memory.Episode, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, user_id, summary, keywords, emotion, importance, access_count, created_at, last_accessed
		FROM episodes WHERE user_id = ?`)
	args := []any{userID}

	if len(f.Keywords) > 0 {
		var conds []string
		for _, kw := range f.Keywords {
			conds = append(conds, "(keywords LIKE ? OR summary LIKE ?)")
			pattern := "%" + kw + "%"
			args = append(args, pattern, pattern)
		}
		sb.WriteString(" AND (" + strings.Join(conds, " OR ") + ")")
	}
	if !f.Since.IsZero() {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		sb.WriteString(" AND created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	switch f.Order {
	case ByRecentDesc:
		sb.WriteString(" ORDER BY last_accessed DESC, id")
	default:
		sb.WriteString(" ORDER BY importance DESC, last_accessed DESC, id")
	}
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []memory.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, *ep)
	}
	return episodes, rows.Err()
}

// GetEpisode returns one episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string) (*memory.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, summary, keywords, emotion, importance, access_count, created_at, last_accessed
		FROM episodes WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanEpisode(rows)
}

func scanEpisode(rows *sql.Rows) (*memory.Episode, error) {
	var ep memory.Episode
	var keywords, createdStr, accessedStr string

	err := rows.Scan(&ep.ID, &ep.UserID, &ep.Summary, &keywords, &ep.Emotion,
		&ep.Importance, &ep.AccessCount, &createdStr, &accessedStr)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(keywords), &ep.Keywords); err != nil {
		return nil, fmt.Errorf("unmarshal keywords: %w", err)
	}
	ep.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	ep.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, accessedStr)
	return &ep, nil
}
