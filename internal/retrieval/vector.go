package retrieval

import (
	"context"
	"fmt"

	"github.com/liliang-cn/sqvect/v2/pkg/core"
)

// VectorIndex stores episode summary embeddings and answers similarity
// queries, scoped per user through metadata filtering.
type VectorIndex struct {
	store *core.SQLiteStore
}

// OpenVectorIndex opens (or creates) the vector database at path with the
// given embedding dimension.
func OpenVectorIndex(ctx context.Context, path string, dim int) (*VectorIndex, error) {
	s, err := core.New(path, dim)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("init vector index: %w", err)
	}
	return &VectorIndex{store: s}, nil
}

// Upsert stores the embedding of an episode summary.
func (v *VectorIndex) Upsert(ctx context.Context, episodeID, userID, summary string, vec []float32) error {
	err := v.store.Upsert(ctx, &core.Embedding{
		ID:       episodeID,
		Vector:   vec,
		Content:  summary,
		DocID:    userID,
		Metadata: map[string]string{"user_id": userID},
	})
	if err != nil {
		return fmt.Errorf("vector upsert: %w", err)
	}
	return nil
}

// Search returns episode ids similar to the query vector, best first,
// restricted to the given user.
func (v *VectorIndex) Search(ctx context.Context, userID string, vec []float32, topK int, threshold float64) ([]string, error) {
	hits, err := v.store.Search(ctx, vec, core.SearchOptions{
		TopK:      topK,
		Threshold: threshold,
		Filter:    map[string]string{"user_id": userID},
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// Delete removes an episode's embedding. Missing ids are not an error.
func (v *VectorIndex) Delete(ctx context.Context, episodeID string) error {
	return v.store.Delete(ctx, episodeID)
}

// Close releases the underlying store.
func (v *VectorIndex) Close() error {
	return v.store.Close()
}
