package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/toybox-ai/memoryd/internal/store"
)

// Stats summarizes one user's memory footprint. The strength histogram
// buckets episode retention strength into ten 0.1-wide bins, so operators
// can see how close a user's memory sits to the forgetting threshold.
type Stats struct {
	UserID            string  `json:"user_id"`
	EpisodeCount      int     `json:"episode_count"`
	FactCount         int     `json:"fact_count"`
	HasProfile        bool    `json:"has_profile"`
	ProfileTags       int     `json:"profile_tags"`
	ActiveSession     string  `json:"active_session,omitempty"`
	StrengthHistogram [10]int `json:"strength_histogram"`
}

// UserStats computes the stats snapshot for one user.
func (m *Manager) UserStats(ctx context.Context, userID string) (*Stats, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	st := &Stats{UserID: userID}

	profile, err := m.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		st.HasProfile = true
		st.ProfileTags = len(profile.Tags)
	}

	st.FactCount, err = m.store.CountFacts(ctx, userID)
	if err != nil {
		return nil, err
	}

	episodes, err := m.store.ListEpisodes(ctx, userID, store.EpisodeFilter{})
	if err != nil {
		return nil, err
	}
	st.EpisodeCount = len(episodes)

	now := m.nowFunc()
	for i := range episodes {
		s := episodes[i].Strength(now, m.cfg.MemoryDecayDays, m.cfg.TimeDecayWeight, m.cfg.AccessCountWeight)
		bucket := int(s * 10)
		if bucket > 9 {
			bucket = 9
		}
		if bucket < 0 {
			bucket = 0
		}
		st.StrengthHistogram[bucket]++
	}

	m.mu.Lock()
	st.ActiveSession = m.active[userID]
	m.mu.Unlock()

	return st, nil
}
