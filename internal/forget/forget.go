// Package forget implements memory decay: episodes whose retention
// strength falls below the threshold are deleted, low-confidence facts are
// pruned, and per-user caps are enforced.
package forget

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/toybox-ai/memoryd/internal/memory"
	"github.com/toybox-ai/memoryd/internal/store"
)

// VectorDeleter removes episode embeddings alongside their episodes.
type VectorDeleter interface {
	Delete(ctx context.Context, episodeID string) error
}

// Config tunes decay and caps.
type Config struct {
	DecayDays          int
	TimeDecayWeight    float64
	AccessCountWeight  float64
	MinImportance      float64
	MaxEpisodesPerUser int
	MaxFactsPerUser    int
}

// Forgetter applies decay and caps for one user at a time.
type Forgetter struct {
	store   *store.Store
	vec     VectorDeleter
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a forgetter. vec may be nil when vector search is disabled.
func New(st *store.Store, vec VectorDeleter, cfg Config, logger *slog.Logger) *Forgetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forgetter{store: st, vec: vec, cfg: cfg, logger: logger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (f *Forgetter) SetNowFunc(fn func() time.Time) { f.nowFunc = fn }

// Run deletes the user's episodes whose strength has decayed below the
// minimum importance threshold and facts whose confidence sits below half
// of it. Returns the total number of memories removed. Idempotent: a second
// run at the same instant removes nothing.
func (f *Forgetter) Run(ctx context.Context, userID string) (int, error) {
	now := f.nowFunc()

	episodes, err := f.store.ListEpisodes(ctx, userID, store.EpisodeFilter{})
	if err != nil {
		return 0, err
	}

	var doomed []string
	for _, ep := range episodes {
		s := ep.Strength(now, f.cfg.DecayDays, f.cfg.TimeDecayWeight, f.cfg.AccessCountWeight)
		if s < f.cfg.MinImportance {
			doomed = append(doomed, ep.ID)
		}
	}
	if err := f.deleteEpisodes(ctx, doomed); err != nil {
		return 0, err
	}

	factsRemoved, err := f.store.DeleteFactsBelow(ctx, userID, f.cfg.MinImportance/2)
	if err != nil {
		return 0, err
	}

	removed := len(doomed) + factsRemoved
	if removed > 0 {
		f.logger.Info("forgetting pass complete",
			"user_id", userID, "episodes_removed", len(doomed), "facts_removed", factsRemoved)
	}
	return removed, nil
}

// EnforceCaps trims the user back under the per-user episode and fact
// caps, dropping the weakest episodes and the lowest-confidence facts
// first. Running it twice in a row is a no-op the second time.
func (f *Forgetter) EnforceCaps(ctx context.Context, userID string) (int, error) {
	now := f.nowFunc()
	removed := 0

	if f.cfg.MaxEpisodesPerUser > 0 {
		episodes, err := f.store.ListEpisodes(ctx, userID, store.EpisodeFilter{})
		if err != nil {
			return 0, err
		}
		if over := len(episodes) - f.cfg.MaxEpisodesPerUser; over > 0 {
			sort.SliceStable(episodes, func(i, j int) bool {
				return f.strength(&episodes[i], now) < f.strength(&episodes[j], now)
			})
			doomed := make([]string, 0, over)
			for _, ep := range episodes[:over] {
				doomed = append(doomed, ep.ID)
			}
			if err := f.deleteEpisodes(ctx, doomed); err != nil {
				return 0, err
			}
			removed += over
		}
	}

	if f.cfg.MaxFactsPerUser > 0 {
		n, err := f.store.TrimFacts(ctx, userID, f.cfg.MaxFactsPerUser)
		if err != nil {
			return 0, err
		}
		removed += n
	}
	return removed, nil
}

func (f *Forgetter) strength(ep *memory.Episode, now time.Time) float64 {
	return ep.Strength(now, f.cfg.DecayDays, f.cfg.TimeDecayWeight, f.cfg.AccessCountWeight)
}

func (f *Forgetter) deleteEpisodes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := f.store.DeleteEpisodes(ctx, ids); err != nil {
		return err
	}
	if f.vec != nil {
		for _, id := range ids {
			if err := f.vec.Delete(ctx, id); err != nil {
				f.logger.Warn("vector delete failed", "episode_id", id, "error", err)
			}
		}
	}
	return nil
}
