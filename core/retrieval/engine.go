package retrieval

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
)

// ChunkSearcher is the similarity search of the vector index.
type ChunkSearcher interface {
	SelectChunksBySimilarity(ctx context.Context, embedding []float32, limit int, floor float64, patientRID *uuid.UUID) ([]*model.RetrievalResult, error)
}

// Engine provides vector retrieval over the indexed chunks
type Engine struct {
	chunks ChunkSearcher
}

// NewEngine creates a new retrieval engine
func NewEngine(chunks ChunkSearcher) *Engine {
	return &Engine{
		chunks: chunks,
	}
}

// VectorRetrieve returns at most config.TopK chunks with a similarity of at
// least config.SimilarityFloor, highest first. Equal similarities prefer the
// more recent document.
func (e *Engine) VectorRetrieve(ctx context.Context, embedding []float32, config model.QueryConfig) ([]*model.RetrievalResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, helper.NewError("vector retrieve", model.ErrInvalidInput)
	}

	results, err := e.chunks.SelectChunksBySimilarity(ctx, embedding, config.TopK, config.SimilarityFloor, config.PatientRID)
	if err != nil {
		return nil, helper.NewError("vector retrieve", err)
	}

	kept := results[:0]
	for _, result := range results {
		if result.Similarity < config.SimilarityFloor {
			continue
		}
		if config.PatientRID != nil && (result.PatientRID == nil || *result.PatientRID != *config.PatientRID) {
			continue
		}
		kept = append(kept, result)
	}

	// approximate indexes may return near ties out of order
	rankResults(kept)
	if len(kept) > config.TopK {
		kept = kept[:config.TopK]
	}

	return kept, nil
}

func rankResults(results []*model.RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].DocumentCreatedAt.After(results[j].DocumentCreatedAt)
	})
}
