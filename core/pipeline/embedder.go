package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/knights-analytics/hugot"
	openai "github.com/sashabaranov/go-openai"
	"github.com/siherrmann/docsalud/helper"
	"github.com/siherrmann/docsalud/model"
	"golang.org/x/sync/singleflight"
)

// DefaultEmbedder creates an embedder using a real sentence transformer model
// Uses the all-MiniLM-L6-v2 model which produces 384-dimensional embeddings
func DefaultEmbedder() (EmbedFunc, error) {
	modelName := "sentence-transformers/all-MiniLM-L6-v2"
	modelPath, err := helper.PrepareModel(modelName, "")
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "embedder-pipeline",
	}
	sentencePipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create sentence pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create sentence pipeline: %w", err)
	}

	return func(ctx context.Context, text string) ([]float32, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := sentencePipeline.RunPipeline([]string{text})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to generate embedding: %v", model.ErrProviderUnavailable, err)
		}
		if len(result.Embeddings) == 0 {
			return nil, fmt.Errorf("%w: no embedding generated", model.ErrProviderUnavailable)
		}

		return result.Embeddings[0], nil
	}, nil
}

// OpenAIEmbedderConfig configures an OpenAI compatible embedding endpoint.
type OpenAIEmbedderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// OpenAIEmbedder embeds text with an OpenAI compatible embeddings endpoint.
func OpenAIEmbedder(config OpenAIEmbedderConfig) (EmbedFunc, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key is required", model.ErrInvalidInput)
	}
	if config.Model == "" {
		config.Model = string(openai.SmallEmbedding3)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	return func(ctx context.Context, text string) ([]float32, error) {
		req := openai.EmbeddingRequest{
			Input:          []string{text},
			Model:          openai.EmbeddingModel(config.Model),
			EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		}
		if config.Dimensions > 0 {
			req.Dimensions = config.Dimensions
		}

		resp, err := client.CreateEmbeddings(ctx, req)
		if err != nil {
			return nil, providerError(ctx, "openai", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("%w: empty embedding response", model.ErrProviderUnavailable)
		}
		return resp.Data[0].Embedding, nil
	}, nil
}

// CachedEmbedder memoizes embed by text. Concurrent calls for the same text
// share one call, which is not cancelled when one of the callers gives up.
// At most maxEntries embeddings are kept, the oldest is evicted first.
func CachedEmbedder(embed EmbedFunc, maxEntries int) EmbedFunc {
	cache := &embeddingCache{
		entries:    map[string][]float32{},
		maxEntries: maxEntries,
	}

	return func(ctx context.Context, text string) ([]float32, error) {
		key := embeddingKey(text)
		if embedding, ok := cache.get(key); ok {
			return embedding, nil
		}

		// the shared call outlives the caller that started it
		shared := context.WithoutCancel(ctx)
		result := cache.group.DoChan(key, func() (interface{}, error) {
			embedding, err := embed(shared, text)
			if err != nil {
				return nil, err
			}
			cache.put(key, embedding)
			return embedding, nil
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-result:
			if r.Err != nil {
				return nil, r.Err
			}
			return r.Val.([]float32), nil
		}
	}
}

type embeddingCache struct {
	mu         sync.Mutex
	entries    map[string][]float32
	order      []string
	maxEntries int
	group      singleflight.Group
}

func (c *embeddingCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	embedding, ok := c.entries[key]
	return embedding, ok
}

func (c *embeddingCache) put(key string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	if c.maxEntries > 0 && len(c.order) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = embedding
	c.order = append(c.order, key)
}

func embeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
