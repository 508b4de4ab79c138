// Package retrieval answers memory queries: given a user and a query it
// returns the most relevant episodes and facts, bumping episode access
// bookkeeping in the same transaction as the read.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/toybox-ai/memoryd/internal/extract"
	"github.com/toybox-ai/memoryd/internal/memory"
	"github.com/toybox-ai/memoryd/internal/store"
)

const (
	keywordWeight = 0.6
	recencyWeight = 0.4
	// candidateFactor widens the SQL pre-filter so scoring has enough
	// candidates to rank.
	candidateFactor = 4
)

// Embedder produces an embedding vector for a text.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Result is one retrieval answer.
type Result struct {
	Episodes []memory.Episode `json:"episodes"`
	Facts    []memory.Fact    `json:"facts"`
}

// Config tunes scoring and result size.
type Config struct {
	MaxResults          int
	DecayDays           int
	SimilarityThreshold float64
	TimeDecayWeight     float64
	AccessCountWeight   float64
}

// Retriever scores stored memory against queries. The vector index and
// embedder are optional; when either is missing or fails, keyword scoring
// is used.
type Retriever struct {
	store     *store.Store
	vec       *VectorIndex
	embed     Embedder
	tokenizer extract.Tokenizer
	cfg       Config
	cache     *Cache
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// New creates a retriever. vec, embed and cache may be nil.
func New(st *store.Store, vec *VectorIndex, embed Embedder, tokenizer extract.Tokenizer, cfg Config, cache *Cache, logger *slog.Logger) *Retriever {
	if tokenizer == nil {
		tokenizer = extract.NewGseTokenizer()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.DecayDays <= 0 {
		cfg.DecayDays = 30
	}
	if cfg.TimeDecayWeight == 0 && cfg.AccessCountWeight == 0 {
		cfg.TimeDecayWeight, cfg.AccessCountWeight = 0.7, 0.3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		store:     st,
		vec:       vec,
		embed:     embed,
		tokenizer: tokenizer,
		cfg:       cfg,
		cache:     cache,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// InvalidateUser drops the user's cached retrieval results. Called after
// anything that changes stored memory.
func (r *Retriever) InvalidateUser(userID string) {
	r.cache.Invalidate(userID)
}

// Retrieve returns the episodes and facts most relevant to the query. An
// empty query returns the strongest memories instead.
func (r *Retriever) Retrieve(ctx context.Context, userID, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if cached := r.cache.Get(userID, query); cached != nil {
		return cached, nil
	}

	var (
		res *Result
		err error
	)
	if query == "" {
		res, err = r.retrieveTop(ctx, userID)
	} else {
		res, err = r.retrieveQuery(ctx, userID, query)
	}
	if err != nil {
		return nil, err
	}

	r.cache.Put(userID, query, res)
	return res, nil
}

// retrieveTop returns the strongest episodes and highest-confidence facts.
func (r *Retriever) retrieveTop(ctx context.Context, userID string) (*Result, error) {
	now := r.nowFunc()
	res := &Result{}

	err := r.store.Transaction(ctx, func(tx *store.Tx) error {
		episodes, err := tx.ListEpisodes(ctx, userID, store.EpisodeFilter{})
		if err != nil {
			return err
		}
		sort.SliceStable(episodes, func(i, j int) bool {
			return r.strength(&episodes[i], now) > r.strength(&episodes[j], now)
		})
		if len(episodes) > r.cfg.MaxResults {
			episodes = episodes[:r.cfg.MaxResults]
		}
		res.Episodes = episodes

		facts, err := tx.ListFacts(ctx, userID, "")
		if err != nil {
			return err
		}
		if len(facts) > r.cfg.MaxResults {
			facts = facts[:r.cfg.MaxResults]
		}
		res.Facts = facts

		return tx.TouchEpisodes(ctx, episodeIDs(res.Episodes), now)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Retriever) retrieveQuery(ctx context.Context, userID, query string) (*Result, error) {
	tokens := r.tokenizer.Tokens(query)

	if r.vec != nil && r.embed != nil {
		res, err := r.retrieveVector(ctx, userID, query, tokens)
		if err == nil {
			return res, nil
		}
		r.logger.Warn("vector retrieval failed, falling back to keywords",
			"user_id", userID, "error", err)
	}
	return r.retrieveKeyword(ctx, userID, tokens)
}

// retrieveVector embeds the query and ranks by vector similarity. Fact
// matching stays keyword based.
func (r *Retriever) retrieveVector(ctx context.Context, userID, query string, tokens []string) (*Result, error) {
	vec, err := r.embed.Generate(ctx, query)
	if err != nil {
		return nil, err
	}
	ids, err := r.vec.Search(ctx, userID, vec, r.cfg.MaxResults, r.cfg.SimilarityThreshold)
	if err != nil {
		return nil, err
	}

	now := r.nowFunc()
	res := &Result{}
	err = r.store.Transaction(ctx, func(tx *store.Tx) error {
		all, err := tx.ListEpisodes(ctx, userID, store.EpisodeFilter{})
		if err != nil {
			return err
		}
		byID := make(map[string]memory.Episode, len(all))
		for _, ep := range all {
			byID[ep.ID] = ep
		}
		for _, id := range ids {
			if ep, ok := byID[id]; ok {
				res.Episodes = append(res.Episodes, ep)
			}
		}

		res.Facts, err = r.matchFacts(ctx, tx, userID, tokens, now)
		if err != nil {
			return err
		}
		return tx.TouchEpisodes(ctx, episodeIDs(res.Episodes), now)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// retrieveKeyword ranks episodes by keyword overlap blended with recency.
func (r *Retriever) retrieveKeyword(ctx context.Context, userID string, tokens []string) (*Result, error) {
	now := r.nowFunc()
	res := &Result{}

	err := r.store.Transaction(ctx, func(tx *store.Tx) error {
		candidates, err := tx.ListEpisodes(ctx, userID, store.EpisodeFilter{
			Keywords: tokens,
			Limit:    r.cfg.MaxResults * candidateFactor,
		})
		if err != nil {
			return err
		}

		type scored struct {
			ep    memory.Episode
			score float64
		}
		ranked := make([]scored, 0, len(candidates))
		for _, ep := range candidates {
			overlap := keywordOverlap(tokens, &ep)
			if overlap == 0 {
				continue
			}
			ranked = append(ranked, scored{
				ep:    ep,
				score: keywordWeight*overlap + recencyWeight*r.recency(ep.LastAccessedAt, now),
			})
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].score > ranked[j].score
		})
		for i := 0; i < len(ranked) && i < r.cfg.MaxResults; i++ {
			res.Episodes = append(res.Episodes, ranked[i].ep)
		}

		res.Facts, err = r.matchFacts(ctx, tx, userID, tokens, now)
		if err != nil {
			return err
		}
		return tx.TouchEpisodes(ctx, episodeIDs(res.Episodes), now)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// matchFacts returns facts whose triple mentions any query token, ranked by
// confidence scaled by last-seen recency.
func (r *Retriever) matchFacts(ctx context.Context, tx *store.Tx, userID string, tokens []string, now time.Time) ([]memory.Fact, error) {
	all, err := tx.ListFacts(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	type scored struct {
		f     memory.Fact
		score float64
	}
	var ranked []scored
	for _, f := range all {
		if !factMatches(&f, tokens) {
			continue
		}
		ranked = append(ranked, scored{
			f:     f,
			score: f.Confidence * r.recency(f.LastSeenAt, now),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]memory.Fact, 0, r.cfg.MaxResults)
	for i := 0; i < len(ranked) && i < r.cfg.MaxResults; i++ {
		out = append(out, ranked[i].f)
	}
	return out, nil
}

func (r *Retriever) strength(ep *memory.Episode, now time.Time) float64 {
	return ep.Strength(now, r.cfg.DecayDays, r.cfg.TimeDecayWeight, r.cfg.AccessCountWeight)
}

func (r *Retriever) recency(last time.Time, now time.Time) float64 {
	days := now.Sub(last).Hours() / 24
	v := 1 - days/float64(r.cfg.DecayDays)
	if v < 0 {
		return 0
	}
	return v
}

func keywordOverlap(tokens []string, ep *memory.Episode) float64 {
	if len(tokens) == 0 {
		return 0
	}
	haystack := ep.Summary + " " + strings.Join(ep.Keywords, " ")
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

func factMatches(f *memory.Fact, tokens []string) bool {
	triple := f.Subject + f.Predicate + f.Object
	for _, tok := range tokens {
		if strings.Contains(triple, tok) {
			return true
		}
	}
	return false
}

func episodeIDs(eps []memory.Episode) []string {
	ids := make([]string, len(eps))
	for i := range eps {
		ids[i] = eps[i].ID
	}
	return ids
}
