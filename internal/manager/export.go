package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/toybox-ai/memoryd/internal/memory"
	"github.com/toybox-ai/memoryd/internal/store"
)

// Export is the portable snapshot of one user's durable memory. Working
// memory is transient and not included.
type Export struct {
	UserID   string           `json:"user_id"`
	Profile  *memory.Profile  `json:"profile,omitempty"`
	Episodes []memory.Episode `json:"episodes"`
	Facts    []memory.Fact    `json:"facts"`
}

// ExportUser snapshots a user's profile, episodes, and facts. The output
// is deterministic: episodes and facts are sorted by id.
func (m *Manager) ExportUser(ctx context.Context, userID string) (*Export, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	out := &Export{UserID: userID, Episodes: []memory.Episode{}, Facts: []memory.Fact{}}
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		out.Profile, err = tx.GetProfile(ctx, userID)
		if err != nil {
			return err
		}
		out.Episodes, err = tx.ListEpisodes(ctx, userID, store.EpisodeFilter{})
		if err != nil {
			return err
		}
		out.Facts, err = tx.ListFacts(ctx, userID, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out.Episodes, func(i, j int) bool { return out.Episodes[i].ID < out.Episodes[j].ID })
	sort.Slice(out.Facts, func(i, j int) bool { return out.Facts[i].ID < out.Facts[j].ID })
	return out, nil
}

// ImportUser loads an exported snapshot. Rows are upserted, so importing
// over existing data merges rather than duplicates; facts coalesce on
// their triple key as usual.
func (m *Manager) ImportUser(ctx context.Context, in *Export) error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	mu := m.userLock(in.UserID)
	mu.Lock()
	defer mu.Unlock()

	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		if in.Profile != nil {
			p := *in.Profile
			p.UserID = in.UserID
			if err := tx.UpsertProfile(ctx, &p); err != nil {
				return err
			}
		}
		for i := range in.Episodes {
			ep := in.Episodes[i]
			ep.UserID = in.UserID
			if err := tx.InsertEpisode(ctx, &ep); err != nil {
				return err
			}
		}
		for i := range in.Facts {
			f := in.Facts[i]
			f.UserID = in.UserID
			if err := tx.UpsertFact(ctx, &f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := m.forgetter.EnforceCaps(ctx, in.UserID); err != nil {
		m.logger.Warn("cap enforcement after import failed", "user_id", in.UserID, "error", err)
	}
	m.retriever.InvalidateUser(in.UserID)
	return nil
}
