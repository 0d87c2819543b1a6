package retrieval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/docsalud/core/pipeline"
	"github.com/siherrmann/docsalud/model"
)

// memoryIndex is a brute force vector index over fixed results.
// It returns every match unordered and ignores the limit.
type memoryIndex struct {
	mu      sync.Mutex
	results []*model.RetrievalResult
	calls   int
	err     error
}

func (m *memoryIndex) SelectChunksBySimilarity(ctx context.Context, embedding []float32, limit int, floor float64, patientRID *uuid.UUID) ([]*model.RetrievalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}

	var found []*model.RetrievalResult
	for _, result := range m.results {
		similarity := cosineSimilarity(embedding, result.Chunk.Embedding)
		if similarity < floor {
			continue
		}
		if patientRID != nil && (result.PatientRID == nil || *result.PatientRID != *patientRID) {
			continue
		}
		copied := *result
		copied.Similarity = similarity
		found = append(found, &copied)
	}
	return found, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func testResult(patientRID *uuid.UUID, documentType model.DocumentType, createdAt time.Time, content string, embedding []float32) *model.RetrievalResult {
	return &model.RetrievalResult{
		Chunk: &model.Chunk{
			DocumentRID: uuid.New(),
			Content:     content,
			Embedding:   embedding,
		},
		DocumentType:      &documentType,
		DocumentCreatedAt: createdAt,
		PatientRID:        patientRID,
	}
}

// keywordEmbedder maps text to a vector of keyword hits.
func keywordEmbedder(keywords ...string) pipeline.EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		embedding := make([]float32, len(keywords))
		for i, keyword := range keywords {
			if strings.Contains(pipeline.FoldText(text), keyword) {
				embedding[i] = 1
			}
		}
		return embedding, nil
	}
}

type recordingGenerator struct {
	mu      sync.Mutex
	prompts []pipeline.Prompt
	text    string
	score   *float64
	err     error
}

func (g *recordingGenerator) generate(ctx context.Context, prompt pipeline.Prompt) (*pipeline.Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return nil, g.err
	}
	return &pipeline.Generation{Text: g.text, Confidence: g.score}, nil
}

func (g *recordingGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChain(generators ...*recordingGenerator) *pipeline.GenerationChain {
	providers := make([]pipeline.GenerationProvider, len(generators))
	for i, g := range generators {
		providers[i] = pipeline.GenerationProvider{Name: fmt.Sprintf("provider-%d", i+1), Generate: g.generate}
	}
	return pipeline.NewGenerationChain(nil, testLogger(), providers...)
}
