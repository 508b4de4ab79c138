package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/toybox-ai/memoryd/internal/memory"
)

// UpsertProfile inserts or replaces a user profile.
func (s *Store) UpsertProfile(ctx context.Context, p *memory.Profile) error {
	return upsertProfile(ctx, s.db, p)
}

// UpsertProfile inserts or replaces a user profile inside the transaction.
func (t *Tx) UpsertProfile(ctx context.Context, p *memory.Profile) error {
	return upsertProfile(ctx, t.tx, p)
}

func upsertProfile(ctx context.Context, q dbtx, p *memory.Profile) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO profiles (user_id, name, age, gender, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			name = excluded.name,
			age = excluded.age,
			gender = excluded.gender,
			tags = excluded.tags,
			updated_at = excluded.updated_at
	`, p.UserID, p.Name, p.Age, p.Gender, string(tags),
		p.CreatedAt.UTC().Format(time.RFC3339Nano),
		p.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile for a user, or (nil, nil) when none exists.
func (s *Store) GetProfile(ctx context.Context, userID string) (*memory.Profile, error) {
	return getProfile(ctx, s.db, userID)
}

// GetProfile returns the profile for a user inside the transaction.
func (t *Tx) GetProfile(ctx context.Context, userID string) (*memory.Profile, error) {
	return getProfile(ctx, t.tx, userID)
}

func getProfile(ctx context.Context, q dbtx, userID string) (*memory.Profile, error) {
	var p memory.Profile
	var tags, createdStr, updatedStr string

	err := q.QueryRowContext(ctx, `
		SELECT user_id, name, age, gender, tags, created_at, updated_at
		FROM profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Name, &p.Age, &p.Gender, &tags, &createdStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &p, nil
}
