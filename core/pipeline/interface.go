package pipeline

import (
	"context"

	"github.com/siherrmann/docsalud/model"
)

// ExtractFunc turns an uploaded file into text.
// It returns model.ErrUnreadableDocument when the file holds no usable text.
type ExtractFunc func(ctx context.Context, file []byte, mimeType string) (*Extraction, error)

// ChunkFunc splits text into contiguous spans that cover it completely.
type ChunkFunc func(text string) ([]ChunkSpan, error)

// EmbedFunc is a function that generates embeddings for text
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// EntityExtractFunc extracts typed entities with byte offsets into text.
type EntityExtractFunc func(ctx context.Context, text string) ([]*model.Entity, error)

// ClassifyFunc predicts the document type of text.
type ClassifyFunc func(ctx context.Context, text string) (*model.Classification, error)

// GenerateFunc produces an answer for a prompt.
type GenerateFunc func(ctx context.Context, prompt Prompt) (*Generation, error)

// Extraction is the result of text extraction.
type Extraction struct {
	Text       string
	Confidence float64
	PageCount  int
}

// ChunkSpan is a chunk before embedding. Start and End are byte offsets.
type ChunkSpan struct {
	Content string
	Start   int
	End     int
	Index   int
}

// Prompt is a system instruction plus the user message.
type Prompt struct {
	System string
	User   string
}

// Generation is a generated answer. Confidence is nil if the provider does not report one.
type Generation struct {
	Text       string
	Confidence *float64
}

// Pipeline bundles the adapters document processing and question answering need.
type Pipeline struct {
	Extractor       ExtractFunc
	Chunker         ChunkFunc
	Embedder        EmbedFunc
	EntityExtractor EntityExtractFunc    // Optional
	Classifier      *ClassificationChain // Optional, falls back to the default label
	Generator       *GenerationChain     // Optional, answers degrade to sources only
}

// NewPipeline creates a new processing pipeline
func NewPipeline(extractor ExtractFunc, chunker ChunkFunc, embedder EmbedFunc) *Pipeline {
	return &Pipeline{
		Extractor: extractor,
		Chunker:   chunker,
		Embedder:  embedder,
	}
}

// SetEntityExtractor sets the entity extraction function
func (p *Pipeline) SetEntityExtractor(extractor EntityExtractFunc) {
	p.EntityExtractor = extractor
}

// SetClassifier sets the classification chain
func (p *Pipeline) SetClassifier(chain *ClassificationChain) {
	p.Classifier = chain
}

// SetGenerator sets the answer generation chain
func (p *Pipeline) SetGenerator(chain *GenerationChain) {
	p.Generator = chain
}

// Embed chunks text and embeds every span.
// Chunks carry their byte range in the source text.
func (p *Pipeline) Embed(ctx context.Context, text string) ([]*model.Chunk, error) {
	spans, err := p.Chunker(text)
	if err != nil {
		return nil, err
	}

	chunks := make([]*model.Chunk, 0, len(spans))
	for _, span := range spans {
		embedding, err := p.Embedder(ctx, span.Content)
		if err != nil {
			return nil, err
		}

		chunks = append(chunks, &model.Chunk{
			ChunkIndex: span.Index,
			Content:    span.Content,
			StartPos:   span.Start,
			EndPos:     span.End,
			Embedding:  embedding,
		})
	}

	return chunks, nil
}
